package model

import (
	"gorm.io/datatypes"
)

// OrderSubmissionModel maps to the 'order_submissions' table. The indexed
// columns mirror the JSON payload so queries can filter in SQL.
type OrderSubmissionModel struct {
	OrderID           uint64         `gorm:"column:order_id;primaryKey;autoIncrement:false"`
	Account           string         `gorm:"column:account;uniqueIndex:idx_submission_sequence,priority:1"`
	Sequence          uint64         `gorm:"column:sequence;uniqueIndex:idx_submission_sequence,priority:2"`
	SubmissionAccount string         `gorm:"column:submission_account"`
	Symbol            string         `gorm:"column:symbol"`
	Market            string         `gorm:"column:market"`
	Side              string         `gorm:"column:side"`
	Quantity          int64          `gorm:"column:quantity"`
	Price             string         `gorm:"column:price"`
	ShortingFlag      bool           `gorm:"column:shorting_flag"`
	TimestampUnix     int64          `gorm:"column:timestamp;index"`
	InfoJSON          datatypes.JSON `gorm:"column:info_json;type:TEXT"`
	CreatedAtUnix     int64          `gorm:"column:created_at"`
}

func (OrderSubmissionModel) TableName() string { return "order_submissions" }

// ExecutionReportModel maps to the 'execution_reports' table.
type ExecutionReportModel struct {
	ID                 int64          `gorm:"column:id;primaryKey"`
	Account            string         `gorm:"column:account;uniqueIndex:idx_report_sequence,priority:1"`
	Sequence           uint64         `gorm:"column:sequence;uniqueIndex:idx_report_sequence,priority:2"`
	OrderID            uint64         `gorm:"column:order_id;index:idx_report_order,priority:1"`
	ReportSequence     int            `gorm:"column:report_sequence;index:idx_report_order,priority:2"`
	Status             string         `gorm:"column:status"`
	LastQuantity       int64          `gorm:"column:last_quantity"`
	LastPrice          string         `gorm:"column:last_price"`
	CumulativeQuantity int64          `gorm:"column:cumulative_quantity"`
	TimestampUnix      int64          `gorm:"column:timestamp;index"`
	ReportJSON         datatypes.JSON `gorm:"column:report_json;type:TEXT"`
	CreatedAtUnix      int64          `gorm:"column:created_at"`
}

func (ExecutionReportModel) TableName() string { return "execution_reports" }
