package model

import (
	"time"

	"github.com/google/uuid"
)

// Alert is one correlated memory restart forwarded to the collectors.
// Zabbix only receives Host, Key and Value; the other fields feed the
// history sinks.
type Alert struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Host      string    `json:"host"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	PMID      int64     `json:"pm_id"`
}

func NewAlert(host, key, processName string, pmID int64) Alert {
	return Alert{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Host:      host,
		Key:       key,
		Value:     processName,
		PMID:      pmID,
	}
}
