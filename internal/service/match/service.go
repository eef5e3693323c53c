package match

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"maidan-service/internal/model"
	"maidan-service/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var errSamePlayer = errors.New("a match needs two distinct players")

// Service is the persistence collaborator: it turns a confirmed
// pairing into a durable match row and serves the read side.
type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

type matchDetails struct {
	ConfirmedAt time.Time `json:"confirmedAt"`
	Origin      string    `json:"origin"`
}

func (s *Service) CreateMatch(ctx context.Context, playerA, playerB int64, sportType, skillLevel string) (int64, error) {
	if playerA == playerB {
		return 0, errSamePlayer
	}

	details, err := json.Marshal(matchDetails{
		ConfirmedAt: time.Now(),
		Origin:      "matchmaking",
	})
	if err != nil {
		return 0, err
	}

	var matchID int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record := model.Match{
			PlayerAID:   playerA,
			PlayerBID:   playerB,
			SportType:   sportType,
			SkillLevel:  skillLevel,
			Status:      "scheduled",
			DetailsJSON: datatypes.JSON(details),
		}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		matchID = record.ID
		return nil
	})
	if err != nil {
		return 0, err
	}

	logger.Log.Info("durable match recorded",
		zap.Int64("matchID", matchID),
		zap.Int64("playerA", playerA),
		zap.Int64("playerB", playerB),
		zap.String("sportType", sportType),
	)
	return matchID, nil
}

type ListResult struct {
	Items []model.Match `json:"items"`
	Total int64         `json:"total"`
}

// ListForUser returns the caller's match history, newest first.
func (s *Service) ListForUser(ctx context.Context, userID int64, page, pageSize int) (*ListResult, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	base := s.db.WithContext(ctx).Model(&model.Match{}).
		Where("player_a_id = ? OR player_b_id = ?", userID, userID)

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return nil, err
	}

	var items []model.Match
	err := base.Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&items).Error
	if err != nil {
		return nil, err
	}

	return &ListResult{Items: items, Total: total}, nil
}
