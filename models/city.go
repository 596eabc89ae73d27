package models

import (
	"strings"
	"time"
)

type City struct {
	ID         string    `db:"id" json:"id"`
	Name       string    `db:"name" json:"name"`
	State      string    `db:"state" json:"state"`
	Population *int      `db:"population" json:"population,omitempty"`
	Lat        *float64  `db:"lat" json:"lat,omitempty"`
	Lng        *float64  `db:"lng" json:"lng,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

func (City) TableName() string { return "cities" }

// CityKey normalises a city name the way it is stored.
func CityKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
