package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Rank is a promotion tier. Ranks are ordered by ascending RequiredPoints;
// the position in that order is the rank's ordinal.
type Rank struct {
	ID              snowflake.ID `gorm:"primaryKey" json:"id"`
	Code            string       `gorm:"type:text;not null;uniqueIndex" json:"code"`
	Name            string       `gorm:"type:text;not null" json:"name"`
	RequiredPoints  int64        `gorm:"not null" json:"required_points"`
	RequiredDirects int          `gorm:"not null" json:"required_directs"`
	IsActive        bool         `gorm:"not null;default:true" json:"is_active"`
	CreatedAt       time.Time    `gorm:"not null" json:"created_at"`
}

func (Rank) TableName() string { return "ranks" }

// Plan is a purchasable membership package.
type Plan struct {
	ID                         snowflake.ID `gorm:"primaryKey" json:"id"`
	Code                       string       `gorm:"type:text;not null;uniqueIndex" json:"code"`
	Name                       string       `gorm:"type:text;not null" json:"name"`
	Price                      int64        `gorm:"not null" json:"price"`
	Points                     int64        `gorm:"not null" json:"points"`
	DirectBonusPercent         int64        `gorm:"not null" json:"direct_bonus_percent"`
	DurationDays               int          `gorm:"not null" json:"duration_days"`
	MinimumReconsumptionAmount int64        `gorm:"not null;default:0" json:"minimum_reconsumption_amount"`
	IsActive                   bool         `gorm:"not null;default:true" json:"is_active"`
	CreatedAt                  time.Time    `gorm:"not null" json:"created_at"`
}

func (Plan) TableName() string { return "plans" }

// DefaultRanks is the rank ladder seeded into an empty catalog.
func DefaultRanks() []Rank {
	return []Rank{
		{Code: "BRONZE", Name: "Bronze", RequiredPoints: 100, RequiredDirects: 1, IsActive: true},
		{Code: "SILVER", Name: "Silver", RequiredPoints: 500, RequiredDirects: 2, IsActive: true},
		{Code: "GOLD", Name: "Gold", RequiredPoints: 1500, RequiredDirects: 3, IsActive: true},
		{Code: "PLATINUM", Name: "Platinum", RequiredPoints: 5000, RequiredDirects: 5, IsActive: true},
		{Code: "DIAMOND", Name: "Diamond", RequiredPoints: 15000, RequiredDirects: 8, IsActive: true},
	}
}

// DefaultPlans is the plan list seeded into an empty catalog.
func DefaultPlans() []Plan {
	return []Plan{
		{Code: "BASIC", Name: "Basic", Price: 100, Points: 100, DirectBonusPercent: 10, DurationDays: 30, MinimumReconsumptionAmount: 50, IsActive: true},
		{Code: "PRO", Name: "Pro", Price: 300, Points: 300, DirectBonusPercent: 12, DurationDays: 30, MinimumReconsumptionAmount: 100, IsActive: true},
		{Code: "ELITE", Name: "Elite", Price: 1000, Points: 1000, DirectBonusPercent: 15, DurationDays: 30, MinimumReconsumptionAmount: 200, IsActive: true},
	}
}
