package models

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/printshop_backend/config"
	"gorm.io/gorm"
)

type History struct {
	ID            int       `gorm:"primary_key" json:"id"`
	CompanyId     string    `gorm:"size:64;index;not null" json:"company_id"`
	ActionType    string    `gorm:"size:10;not null" json:"action_type"`
	Before        string    `gorm:"type:text" json:"before"`
	After         string    `gorm:"type:text" json:"after"`
	Description   string    `gorm:"type:text;not null" json:"description"`
	ReferenceID   int       `gorm:"index" json:"reference_id"`
	ReferenceType string    `gorm:"size:255" json:"reference_type"`
	UserId        int       `gorm:"index;not null" json:"user_id"`
	UserName      string    `gorm:"size:100" json:"user_name"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func createHistory(tx *gorm.DB,
	actor Actor,
	actionType string,
	referenceId int,
	referenceType string,
	before interface{},
	after interface{},
	description string) error {

	if err := actor.validate(); err != nil {
		return err
	}

	b, _ := json.Marshal(before)
	a, _ := json.Marshal(after)

	history := History{
		CompanyId:     actor.CompanyId,
		ActionType:    actionType,
		Before:        string(b),
		After:         string(a),
		Description:   description,
		ReferenceID:   referenceId,
		ReferenceType: referenceType,
		UserId:        actor.UserId,
		UserName:      actor.UserName,
	}
	return tx.Create(&history).Error
}

// GetHistories lists audit entries of the actor's company, newest first.
func GetHistories(ctx context.Context, actor Actor, referenceType string, referenceId int) ([]*History, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	ctx = actor.Context(ctx)

	dbCtx := config.GetDB().WithContext(ctx).Where("company_id = ?", actor.CompanyId)
	if referenceType != "" {
		dbCtx = dbCtx.Where("reference_type = ?", referenceType)
	}
	if referenceId > 0 {
		dbCtx = dbCtx.Where("reference_id = ?", referenceId)
	}

	var results []*History
	if err := dbCtx.Order("created_at DESC, id DESC").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
