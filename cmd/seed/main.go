// Command seed creates or resets the operator account used to reach the
// admin surface. Intended for first boot and for recovery when the account
// has been locked by the behavioral layer with no second operator left.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/pricesentry/pricesentry/internal/config"
	"github.com/pricesentry/pricesentry/internal/database"
	"github.com/pricesentry/pricesentry/internal/models"
)

func main() {
	email := flag.String("email", "", "operator email (required)")
	password := flag.String("password", "", "operator password (required)")
	unlock := flag.Bool("unlock", false, "also clear an existing account lock")
	flag.Parse()

	if *email == "" || *password == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	if err := db.AutoMigrate(&models.User{}); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(*password), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("hash password: %v", err)
	}

	var user models.User
	err = db.Where("email = ?", *email).First(&user).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		user = models.User{
			UUID:     uuid.NewString(),
			Email:    *email,
			Password: string(hash),
			Enabled:  true,
		}
		if err := db.Create(&user).Error; err != nil {
			log.Fatalf("create user: %v", err)
		}
		fmt.Printf("created operator account %s\n", *email)
	case err != nil:
		log.Fatalf("lookup user: %v", err)
	default:
		updates := map[string]interface{}{"password": string(hash), "enabled": true}
		if *unlock {
			updates["locked"] = false
			updates["locked_at"] = nil
			updates["lock_reason"] = ""
		}
		if err := db.Model(&user).Updates(updates).Error; err != nil {
			log.Fatalf("update user: %v", err)
		}
		fmt.Printf("updated operator account %s\n", *email)
	}
}
