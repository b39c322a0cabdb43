package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Community 社区（租户），自动化默认配置按社区生效
type Community struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	Slug      string    `gorm:"uniqueIndex;not null" json:"slug"`
	Name      string    `gorm:"not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *Community) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// Stage 工作流阶段，自动化挂在阶段上
type Stage struct {
	ID          string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	CommunityID string    `gorm:"type:varchar(36);index;not null" json:"community_id"`
	Name        string    `gorm:"not null" json:"name"`
	Order       int       `gorm:"column:position;default:0" json:"order"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (s *Stage) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// Pub 内容记录；Values 为 字段slug -> 值
type Pub struct {
	ID          string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	CommunityID string         `gorm:"type:varchar(36);index;not null" json:"community_id"`
	StageID     *string        `gorm:"type:varchar(36);index" json:"stage_id,omitempty"`
	Title       string         `json:"title"`
	Values      datatypes.JSON `json:"values"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func (p *Pub) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// ValueMap decodes Values; an empty or invalid column yields an empty map.
func (p *Pub) ValueMap() map[string]interface{} {
	out := map[string]interface{}{}
	if len(p.Values) > 0 {
		_ = json.Unmarshal(p.Values, &out)
	}
	return out
}

// JSONMap decodes a JSON column into a map. Null and empty columns yield nil.
func JSONMap(raw datatypes.JSON) (map[string]interface{}, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ToJSON encodes v into a JSON column value. nil encodes as SQL NULL.
func ToJSON(v interface{}) datatypes.JSON {
	if v == nil {
		return nil
	}
	if raw, ok := v.(datatypes.JSON); ok {
		return raw
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}
