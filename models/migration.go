package models

import (
	"log"

	"bitbucket.org/mmdatafocus/cashregister_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Business{}, &User{},
		&CashRegister{}, &CashRegisterSettings{},
		&CashSession{}, &CashMovement{}, &CashCount{},
		&CashEventRecord{}, &IdempotencyKey{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
