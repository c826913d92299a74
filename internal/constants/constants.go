package constants

import "time"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
	KafkaReadMaxWait  = 500 * time.Millisecond
)

const (
	DefaultHTTPTimeout = 10 * time.Second
)

const (
	CacheKeyPrefixRoster   = "roster:"
	CacheKeyPrefixSchedule = "schedule:"
	CacheKeyPrefixLock     = "lock:"
)

const (
	DefaultDealEventsTopic  = "crm_deal_events"
	DefaultAssignmentsTopic = "assignment_events"
)

const (
	DefaultMongoDBName          = "dutyassign"
	DefaultAuditMongoCollection = "assignment_history"
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

const (
	DefaultTTLSeconds = 3600
)

const (
	HTTPStatusOKMin = 200
	HTTPStatusOKMax = 300
)

const (
	FallbackAllow = "allow"
	FallbackDeny  = "deny"
)

// Bitrix24 limits a batch call to 50 commands.
const CRMBatchLimit = 50

const (
	DefaultUpdateTime = "09:00"
	DefaultTimezone   = "Europe/Moscow"
	DateLayout        = "2006-01-02"
)
