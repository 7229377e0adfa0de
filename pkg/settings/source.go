package settings

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gorm.io/gorm"
)

type viperSource struct {
	v *viper.Viper
}

// NewViperSource reads the SETTINGS section of the config file (and
// SETTINGS_<KEY> environment variables).
func NewViperSource(v *viper.Viper) Source {
	return &viperSource{v: v}
}

func (s *viperSource) Name() string { return "viper" }

func (s *viperSource) Load(context.Context) (map[string]string, error) {
	out := map[string]string{}
	for k, v := range s.v.GetStringMapString("settings") {
		out[strings.ToLower(k)] = v
	}
	return out, nil
}

// SystemConfig is an operator override row.
type SystemConfig struct {
	Key       string    `gorm:"column:key;primaryKey;size:64"`
	Value     string    `gorm:"column:value;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (SystemConfig) TableName() string { return "system_configs" }

type dbSource struct {
	db *gorm.DB
}

func NewDBSource(db *gorm.DB) Source {
	return &dbSource{db: db}
}

func (s *dbSource) Name() string { return "system_configs" }

func (s *dbSource) Load(ctx context.Context) (map[string]string, error) {
	var rows []SystemConfig
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[strings.ToLower(r.Key)] = r.Value
	}
	return out, nil
}

type mapSource map[string]string

// MapSource is a fixed Source, used by the CLI for --set overrides.
func MapSource(values map[string]string) Source {
	return mapSource(values)
}

func (m mapSource) Name() string { return "map" }

func (m mapSource) Load(context.Context) (map[string]string, error) {
	return map[string]string(m), nil
}
