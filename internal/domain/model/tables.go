package model

// Table name overrides for the relational store. tutors is an
// externally owned table this core only reads.

func (SessionEvent) TableName() string   { return "session_facts" }
func (Tutor) TableName() string          { return "tutors" }
func (MetricSnapshot) TableName() string { return "metric_snapshots" }
func (RiskScore) TableName() string      { return "risk_scores" }
func (Intervention) TableName() string   { return "interventions" }
