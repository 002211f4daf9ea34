package model

// ComplianceViolationModel maps to 'compliance_violations' table.
type ComplianceViolationModel struct {
	ID            int64  `gorm:"column:id;primaryKey"`
	EntryID       uint64 `gorm:"column:entry_id;index"`
	Account       string `gorm:"column:account;index"`
	OrderID       uint64 `gorm:"column:order_id"`
	RuleName      string `gorm:"column:rule_name"`
	Reason        string `gorm:"column:reason"`
	TimestampUnix int64  `gorm:"column:timestamp"` // unix nanoseconds
}

func (ComplianceViolationModel) TableName() string { return "compliance_violations" }
