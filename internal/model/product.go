package model

import "time"

type Product struct {
	ID            int64     `json:"id"`
	Slug          string    `json:"slug"`
	Name          string    `json:"name"`
	LatestVersion string    `json:"latest_version"`
	Changelog     string    `json:"changelog"`
	ArtifactRef   string    `json:"artifact_ref"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
