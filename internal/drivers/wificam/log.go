package wificam

import "github.com/banshee-data/sessionsync/internal/monitoring"

var logf = monitoring.Prefixed("wificam")
