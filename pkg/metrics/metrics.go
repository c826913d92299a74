package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	AssignmentCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assignment_cycles_total",
			Help: "Total number of assignment cycles executed (count)",
		},
		[]string{"source", "status"},
	)

	AssignmentCycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assignment_cycle_duration_ms",
			Help:    "Duration of a full assignment cycle in milliseconds",
			Buckets: []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000},
		},
		[]string{"source"},
	)

	AssignmentRuleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assignment_rule_duration_ms",
			Help:    "Duration of processing a single rule in milliseconds",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"entity_type", "status"},
	)

	AssignmentDeltasTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assignment_deltas_total",
			Help: "Total number of owner changes written to the CRM (count)",
		},
		[]string{"entity_type", "kind"},
	)

	AssignmentActiveRules = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "assignment_active_rules",
			Help: "Number of loaded assignment rules (count)",
		},
	)

	RuleEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_evaluations_total",
			Help: "Total number of rule evaluations by the rule engine (count)",
		},
		[]string{"rule_id", "rule_name", "result"},
	)

	WebhookOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_outcomes_total",
			Help: "Total number of single-record deal events handled (count)",
		},
		[]string{"status"},
	)

	ProgressEventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "progress_events_dropped_total",
			Help: "Total number of progress events dropped because the consumer was slow (count)",
		},
	)

	ScheduledRulesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduled_rules_total",
			Help: "Total number of rules considered by the schedule runner (count)",
		},
		[]string{"result"},
	)

	LockAcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_acquisitions_total",
			Help: "Total number of writer lock acquisition attempts (count)",
		},
		[]string{"result"},
	)

	RosterCacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roster_cache_requests_total",
			Help: "Total number of duty roster cache lookups (count)",
		},
		[]string{"result"},
	)

	AuditEntriesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_entries_written_total",
			Help: "Total number of audit entries committed (count)",
		},
		[]string{"source"},
	)

	CRMRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_requests_total",
			Help: "Total number of requests sent to the CRM REST API (count)",
		},
		[]string{"method", "status"},
	)

	CRMRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crm_request_duration_ms",
			Help:    "Duration of CRM REST API requests in milliseconds",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"method"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"service", "topic"},
	)

	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "Total number of messages sent to DLQ (count)",
		},
		[]string{"service", "topic", "reason"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	RuleChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assignment_rule_changes_total",
			Help: "Total number of rule configuration changes made through the management API (count)",
		},
		[]string{"action"},
	)

	FallbackUsageTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fallback_usage_total",
			Help: "Total number of times fallback strategies were used (count)",
		},
		[]string{"service", "strategy", "reason"},
	)

	KafkaMessagesReadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_read_total",
			Help: "Total number of messages read from Kafka (count)",
		},
		[]string{"service", "topic"},
	)

	KafkaMessagesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_written_total",
			Help: "Total number of messages written to Kafka (count)",
		},
		[]string{"service", "topic"},
	)

	KafkaMessageSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_message_size_bytes",
			Help:    "Size of Kafka messages in bytes",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000, 500000},
		},
		[]string{"service", "topic", "direction"},
	)

	KafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag (difference between latest offset and committed offset) (count)",
		},
		[]string{"service", "topic", "partition"},
	)

	KafkaReadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_read_duration_ms",
			Help:    "Duration of reading messages from Kafka in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"service", "topic"},
	)

	KafkaWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_write_duration_ms",
			Help:    "Duration of writing messages to Kafka in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"service", "topic"},
	)

	DatabaseQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "database_queries_total",
			Help: "Total number of database queries (count)",
		},
		[]string{"service", "database", "operation", "status"},
	)

	DatabaseQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "database_query_duration_ms",
			Help:    "Duration of database queries in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"service", "database", "operation"},
	)

	DatabaseConnectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "database_connections_active",
			Help: "Number of active database connections (count)",
		},
		[]string{"service", "database"},
	)
)

func RegisterAssignmentMetrics() {
	prometheus.MustRegister(AssignmentCyclesTotal)
	prometheus.MustRegister(AssignmentCycleDuration)
	prometheus.MustRegister(AssignmentRuleDuration)
	prometheus.MustRegister(AssignmentDeltasTotal)
	prometheus.MustRegister(AssignmentActiveRules)
	prometheus.MustRegister(RuleEvaluationsTotal)
	prometheus.MustRegister(WebhookOutcomesTotal)
	prometheus.MustRegister(ProgressEventsDroppedTotal)
	prometheus.MustRegister(ScheduledRulesTotal)
	prometheus.MustRegister(LockAcquisitionsTotal)
	prometheus.MustRegister(RosterCacheRequestsTotal)
	prometheus.MustRegister(AuditEntriesWrittenTotal)
	prometheus.MustRegister(CRMRequestsTotal)
	prometheus.MustRegister(CRMRequestDuration)
	prometheus.MustRegister(FallbackUsageTotal)
}

func RegisterBrokerMetrics() {
	prometheus.MustRegister(RetryAttemptsTotal)
	prometheus.MustRegister(DLQMessagesTotal)
	prometheus.MustRegister(KafkaMessagesReadTotal)
	prometheus.MustRegister(KafkaMessagesWrittenTotal)
	prometheus.MustRegister(KafkaMessageSizeBytes)
	prometheus.MustRegister(KafkaConsumerLag)
	prometheus.MustRegister(KafkaReadDuration)
	prometheus.MustRegister(KafkaWriteDuration)
}

func RegisterCircuitBreakerMetrics() {
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(CircuitBreakerRequests)
	prometheus.MustRegister(CircuitBreakerFailures)
}

func RegisterManagementMetrics() {
	prometheus.MustRegister(RateLimitRequestsTotal)
	prometheus.MustRegister(RuleChangesTotal)
}

func RegisterDatabaseMetrics() {
	prometheus.MustRegister(DatabaseQueriesTotal)
	prometheus.MustRegister(DatabaseQueryDuration)
	prometheus.MustRegister(DatabaseConnectionsActive)
}

func ObserveCycleDuration(source string, duration time.Duration) {
	AssignmentCycleDuration.WithLabelValues(source).Observe(float64(duration.Milliseconds()))
}

func ObserveRuleDuration(entityType, status string, duration time.Duration) {
	AssignmentRuleDuration.WithLabelValues(entityType, status).Observe(float64(duration.Milliseconds()))
}

func AddAssignmentDeltas(entityType, kind string, count int) {
	AssignmentDeltasTotal.WithLabelValues(entityType, kind).Add(float64(count))
}

func SetAssignmentActiveRules(count int) {
	AssignmentActiveRules.Set(float64(count))
}

func ObserveCRMRequest(method, status string, duration time.Duration) {
	CRMRequestsTotal.WithLabelValues(method, status).Inc()
	CRMRequestDuration.WithLabelValues(method).Observe(float64(duration.Milliseconds()))
}

// Helper functions for new metrics
func IncKafkaMessagesRead(service, topic string) {
	KafkaMessagesReadTotal.WithLabelValues(service, topic).Inc()
}

func IncKafkaMessagesWritten(service, topic string) {
	KafkaMessagesWrittenTotal.WithLabelValues(service, topic).Inc()
}

func ObserveKafkaMessageSize(service, topic, direction string, sizeBytes int) {
	KafkaMessageSizeBytes.WithLabelValues(service, topic, direction).Observe(float64(sizeBytes))
}

func SetKafkaConsumerLag(service, topic string, partition int, lag int64) {
	KafkaConsumerLag.WithLabelValues(service, topic, fmt.Sprintf("%d", partition)).Set(float64(lag))
}

func ObserveKafkaReadDuration(service, topic string, duration time.Duration) {
	KafkaReadDuration.WithLabelValues(service, topic).Observe(float64(duration.Milliseconds()))
}

func ObserveKafkaWriteDuration(service, topic string, duration time.Duration) {
	KafkaWriteDuration.WithLabelValues(service, topic).Observe(float64(duration.Milliseconds()))
}

func IncRuleEvaluation(ruleID, ruleName, result string) {
	RuleEvaluationsTotal.WithLabelValues(ruleID, ruleName, result).Inc()
}

func IncDatabaseQuery(service, database, operation, status string) {
	DatabaseQueriesTotal.WithLabelValues(service, database, operation, status).Inc()
}

func ObserveDatabaseQueryDuration(service, database, operation string, duration time.Duration) {
	DatabaseQueryDuration.WithLabelValues(service, database, operation).Observe(float64(duration.Milliseconds()))
}

func SetDatabaseConnectionsActive(service, database string, count int) {
	DatabaseConnectionsActive.WithLabelValues(service, database).Set(float64(count))
}

// ObserveQuery records one database round trip.
func ObserveQuery(service, database, operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	IncDatabaseQuery(service, database, operation, status)
	ObserveDatabaseQueryDuration(service, database, operation, time.Since(start))
}
