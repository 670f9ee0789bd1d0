package reports

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"bitbucket.org/mmdatafocus/cashregister_backend/config"
	"bitbucket.org/mmdatafocus/cashregister_backend/models"
	"bitbucket.org/mmdatafocus/cashregister_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

type SessionHistoryRow struct {
	ID              int              `json:"id"`
	SessionNumber   string           `json:"session_number"`
	CashierName     string           `json:"cashier_name"`
	Status          string           `json:"status"`
	OpenedAt        time.Time        `json:"opened_at"`
	ClosedAt        *time.Time       `json:"closed_at"`
	OpeningBalance  decimal.Decimal  `json:"opening_balance"`
	ClosingBalance  *decimal.Decimal `json:"closing_balance"`
	ExpectedBalance *decimal.Decimal `json:"expected_balance"`
	Difference      *decimal.Decimal `json:"difference"`
	TotalSales      decimal.Decimal  `json:"total_sales"`
	TotalRefunds    decimal.Decimal  `json:"total_refunds"`
	MovementCount   int64            `json:"movement_count"`
}

// GetSessionHistory returns per-session rows with movement aggregates for
// the given opened_at range, newest first.
func GetSessionHistory(ctx context.Context, fromDate time.Time, toDate time.Time) ([]*SessionHistoryRow, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	sql := `
SELECT
    cs.id,
    cs.session_number,
    users.name AS cashier_name,
    cs.status,
    cs.opened_at,
    cs.closed_at,
    cs.opening_balance,
    cs.closing_balance,
    cs.expected_balance,
    cs.difference,
    COALESCE(mv.total_sales, 0) AS total_sales,
    COALESCE(mv.total_refunds, 0) AS total_refunds,
    COALESCE(mv.movement_count, 0) AS movement_count
FROM
    cash_sessions cs
    LEFT JOIN users ON users.id = cs.user_id
    LEFT JOIN (
        SELECT
            session_id,
            SUM(CASE WHEN movement_type = 'sale' THEN amount ELSE 0 END) AS total_sales,
            SUM(CASE WHEN movement_type = 'refund' THEN ABS(amount) ELSE 0 END) AS total_refunds,
            COUNT(id) AS movement_count
        FROM
            cash_movements
        WHERE
            business_id = ?
        GROUP BY
            session_id
    ) AS mv ON mv.session_id = cs.id
WHERE
    cs.business_id = ?
    AND cs.is_deleted = false
    AND cs.opened_at BETWEEN ? AND ?
ORDER BY
    cs.opened_at DESC;
`

	var rows []*SessionHistoryRow
	db := config.GetDB()
	if err := db.WithContext(ctx).Raw(sql, businessId, businessId, fromDate, toDate).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ExportSessionHistoryExcel streams the session history as an xlsx download.
func ExportSessionHistoryExcel(ctx context.Context, w http.ResponseWriter, fromDate time.Time, toDate time.Time) error {
	rows, err := GetSessionHistory(ctx, fromDate, toDate)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	sheetName := "Sessions"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return err
	}
	f.SetActiveSheet(index)
	f.DeleteSheet("Sheet1")

	headings := []string{
		"SessionNumber", "Cashier", "Status", "OpenedAt", "ClosedAt",
		"OpeningBalance", "ClosingBalance", "ExpectedBalance", "Difference",
		"TotalSales", "TotalRefunds", "MovementCount",
	}
	col := 'A'
	for _, h := range headings {
		f.SetCellValue(sheetName, string(col)+"1", h)
		col++
	}

	for i, d := range rows {
		rowNo := fmt.Sprint(i + 2)
		closedAt := ""
		if d.ClosedAt != nil {
			closedAt = d.ClosedAt.Format(time.RFC3339)
		}
		f.SetCellValue(sheetName, "A"+rowNo, d.SessionNumber)
		f.SetCellValue(sheetName, "B"+rowNo, d.CashierName)
		f.SetCellValue(sheetName, "C"+rowNo, d.Status)
		f.SetCellValue(sheetName, "D"+rowNo, d.OpenedAt.Format(time.RFC3339))
		f.SetCellValue(sheetName, "E"+rowNo, closedAt)
		f.SetCellValue(sheetName, "F"+rowNo, d.OpeningBalance.StringFixed(2))
		f.SetCellValue(sheetName, "G"+rowNo, decimalString(d.ClosingBalance))
		f.SetCellValue(sheetName, "H"+rowNo, decimalString(d.ExpectedBalance))
		f.SetCellValue(sheetName, "I"+rowNo, decimalString(d.Difference))
		f.SetCellValue(sheetName, "J"+rowNo, d.TotalSales.StringFixed(2))
		f.SetCellValue(sheetName, "K"+rowNo, d.TotalRefunds.StringFixed(2))
		f.SetCellValue(sheetName, "L"+rowNo, d.MovementCount)
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename=cash_sessions.xlsx")
	return f.Write(w)
}

func decimalString(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.StringFixed(2)
}

// DifferenceSummary buckets closed sessions by close accuracy.
type DifferenceSummary struct {
	Exact    int64           `json:"exact"`
	Surplus  int64           `json:"surplus"`
	Shortage int64           `json:"shortage"`
	NetDiff  decimal.Decimal `json:"net_difference"`
}

func GetDifferenceSummary(ctx context.Context, fromDate time.Time, toDate time.Time) (*DifferenceSummary, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	sql := `
SELECT
    COALESCE(SUM(CASE WHEN difference = 0 THEN 1 ELSE 0 END), 0) AS exact,
    COALESCE(SUM(CASE WHEN difference > 0 THEN 1 ELSE 0 END), 0) AS surplus,
    COALESCE(SUM(CASE WHEN difference < 0 THEN 1 ELSE 0 END), 0) AS shortage,
    COALESCE(SUM(difference), 0) AS net_diff
FROM
    cash_sessions
WHERE
    business_id = ?
    AND is_deleted = false
    AND status = ?
    AND closed_at BETWEEN ? AND ?;
`
	var summary DifferenceSummary
	db := config.GetDB()
	err := db.WithContext(ctx).Raw(sql, businessId, models.SessionStatusClosed, fromDate, toDate).
		Scan(&summary).Error
	if err != nil {
		return nil, err
	}
	return &summary, nil
}
