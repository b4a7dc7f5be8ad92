// Package storage keeps the pool's live, non-ledger state in Redis.
package storage

import "time"

// Share is an accepted share as recorded in the hashrate window
type Share struct {
	ID         uint64  `json:"id"`
	Username   string  `json:"username"`
	Difficulty float64 `json:"difficulty"`
	Time       int64   `json:"time"`
}

// Ban is a host refused at accept until Expires
type Ban struct {
	Host    string    `json:"host"`
	Expires time.Time `json:"expires"`
}
