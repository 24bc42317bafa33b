package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mmdatafocus/invoices_backend/utils"
	"gorm.io/gorm"
)

const (
	HistoryActionCreate       = "CREATE"
	HistoryActionUpdate       = "UPDATE"
	HistoryActionTransition   = "TRANSITION"
	HistoryActionAllocate     = "ALLOCATE"
	HistoryActionDelete       = "DELETE"
	HistoryActionOverride     = "OVERRIDE"
	HistoryActionUndo         = "UNDO"
	HistoryActionSplit        = "SPLIT"
	HistoryActionUnsplit      = "UNSPLIT"
	HistoryActionForceRelease = "FORCE_UNLOCK"
	HistoryActionWarning      = "WARNING"
)

type History struct {
	ID            int       `gorm:"primary_key" json:"id"`
	ActionType    string    `gorm:"size:20;not null;index" json:"action_type"`
	Before        string    `gorm:"type:text" json:"before"`
	After         string    `gorm:"type:text" json:"after"`
	Description   string    `gorm:"type:text;not null" json:"description"`
	ReferenceID   int       `gorm:"index" json:"reference_id"`
	ReferenceType string    `gorm:"size:50;index" json:"reference_type"`
	UserId        int       `gorm:"index;not null" json:"user_id"`
	UserName      string    `gorm:"size:100" json:"user_name"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// SaveHistory writes an audit row inside tx. The actor comes from the
// statement context; background work without an actor is recorded as user 0.
func SaveHistory(tx *gorm.DB,
	actionType string,
	referenceType string,
	referenceId int,
	before interface{},
	after interface{},
	description string) error {

	history := History{
		ActionType:    actionType,
		Description:   description,
		ReferenceID:   referenceId,
		ReferenceType: referenceType,
		UserName:      "system",
	}
	if before != nil {
		b, _ := json.Marshal(before)
		history.Before = string(b)
	}
	if after != nil {
		a, _ := json.Marshal(after)
		history.After = string(a)
	}

	ctx := tx.Statement.Context
	if ctx != nil {
		if userId, ok := utils.GetUserIdFromContext(ctx); ok {
			history.UserId = userId
		}
		if userName, ok := utils.GetUserNameFromContext(ctx); ok && userName != "" {
			history.UserName = userName
		}
	}

	return tx.Create(&history).Error
}

func GetHistories(db *gorm.DB, ctx context.Context, referenceType string, referenceId int) ([]*History, error) {
	var results []*History
	err := db.WithContext(ctx).
		Where("reference_type = ? AND reference_id = ?", referenceType, referenceId).
		Order("id DESC").
		Find(&results).Error
	return results, err
}
