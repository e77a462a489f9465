package models

import (
	"time"

	"gorm.io/gorm"
)

// BaseModel provides common fields for all database models
type BaseModel struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at" gorm:"index"`
}

// User represents an account that owns subscriptions
type User struct {
	BaseModel
	Email          string `json:"email" gorm:"uniqueIndex;not null"`
	HashedPassword string `json:"-" gorm:"not null"`
	FullName       string `json:"full_name"`
	IsActive       bool   `json:"is_active" gorm:"default:true"`
	IsSuperuser    bool   `json:"is_superuser" gorm:"default:false"`
}
