package domain

import "time"

// JobStatus is the cutting job lifecycle state.
type JobStatus string

const (
	JobPending      JobStatus = "PENDING"
	JobOptimizing   JobStatus = "OPTIMIZING"
	JobOptimized    JobStatus = "OPTIMIZED"
	JobInProduction JobStatus = "IN_PRODUCTION"
	JobCompleted    JobStatus = "COMPLETED"
	JobFailed       JobStatus = "FAILED"
)

// jobTransitions is the legal state machine. Transitions not listed fail
// with INVALID_STATE.
var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:      {JobOptimizing},
	JobOptimizing:   {JobOptimized, JobFailed},
	JobOptimized:    {JobInProduction, JobOptimizing},
	JobInProduction: {JobCompleted},
	JobFailed:       {JobOptimizing},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type (
	// CuttingJob groups order items sharing material and thickness for
	// joint packing.
	CuttingJob struct {
		ID             string    `bson:"_id"`
		TenantID       string    `bson:"tenant_id"`
		JobNumber      string    `bson:"job_number"`
		MaterialTypeID string    `bson:"material_type_id"`
		Thickness      int64     `bson:"thickness"`
		Status         JobStatus `bson:"status"`
		CreatedAt      time.Time `bson:"created_at"`
		UpdatedAt      time.Time `bson:"updated_at"`
	}

	// CuttingJobItem links an order item into a job with the quantity to
	// cut.
	CuttingJobItem struct {
		ID           string `bson:"_id"`
		TenantID     string `bson:"tenant_id"`
		CuttingJobID string `bson:"cutting_job_id"`
		OrderItemID  string `bson:"order_item_id"`
		Quantity     int    `bson:"quantity"`
	}

	// OptimizationScenario captures one parameterization of a job's
	// optimization. Immutable once completed. Kerf and AllowRotation are
	// nil when the scenario leaves them to the engine defaults; an
	// explicit zero or false is a stored value, not an omission.
	OptimizationScenario struct {
		ID             string    `bson:"_id"`
		TenantID       string    `bson:"tenant_id"`
		JobID          string    `bson:"job_id"`
		Name           string    `bson:"name"`
		Algorithm      string    `bson:"algorithm,omitempty"`
		Kerf           *int64    `bson:"kerf,omitempty"`
		AllowRotation  *bool     `bson:"allow_rotation,omitempty"`
		Status         string    `bson:"status"`
		ParametersJSON string    `bson:"parameters_json,omitempty"`
		CreatedAt      time.Time `bson:"created_at"`
	}

	// Placement is one piece positioned on one stock unit. Coordinates are
	// millimetres from the stock origin; for bars Y is always zero.
	Placement struct {
		PieceID       string `bson:"piece_id" json:"pieceId"`
		OrderItemID   string `bson:"order_item_id" json:"orderItemId"`
		X             int64  `bson:"x" json:"x"`
		Y             int64  `bson:"y" json:"y"`
		Length        int64  `bson:"length" json:"length"`
		Width         int64  `bson:"width" json:"width"`
		Rotated       bool   `bson:"rotated" json:"rotated"`
		SequenceIndex int    `bson:"sequence_index" json:"sequenceIndex"`
	}

	// CuttingPlan is the persisted result of a completed optimization
	// scenario. Ratios are basis points.
	CuttingPlan struct {
		ID             string     `bson:"_id"`
		TenantID       string     `bson:"tenant_id"`
		ScenarioID     string     `bson:"scenario_id"`
		PlanNumber     string     `bson:"plan_number"`
		TotalWaste     int64      `bson:"total_waste"`
		WastePercentBP int64      `bson:"waste_percent_bp"`
		StockUsedCount int        `bson:"stock_used_count"`
		EfficiencyBP   int64      `bson:"efficiency_bp"`
		Status         PlanStatus `bson:"status"`
		ApprovedBy     string     `bson:"approved_by,omitempty"`
		ApprovedAt     *time.Time `bson:"approved_at,omitempty"`
		CreatedAt      time.Time  `bson:"created_at"`
	}

	// CuttingPlanStock is one stock unit consumed by a plan together with
	// its ordered placements.
	CuttingPlanStock struct {
		ID             string      `bson:"_id"`
		TenantID       string      `bson:"tenant_id"`
		PlanID         string      `bson:"plan_id"`
		StockItemID    string      `bson:"stock_item_id"`
		Sequence       int         `bson:"sequence"`
		Placements     []Placement `bson:"placements"`
		Waste          int64       `bson:"waste"`
		WastePercentBP int64       `bson:"waste_percent_bp"`
	}

	// ProductionLog records execution of a plan on the shop floor.
	ProductionLog struct {
		ID            string           `bson:"_id"`
		TenantID      string           `bson:"tenant_id"`
		CuttingPlanID string           `bson:"cutting_plan_id"`
		OperatorID    string           `bson:"operator_id"`
		Status        ProductionStatus `bson:"status"`
		ActualTime    time.Duration    `bson:"actual_time,omitempty"`
		ActualWaste   int64            `bson:"actual_waste,omitempty"`
		StartedAt     time.Time        `bson:"started_at"`
		CompletedAt   *time.Time       `bson:"completed_at,omitempty"`
	}
)

// PlanStatus is the approval state of a cutting plan.
type PlanStatus string

const (
	PlanDraft    PlanStatus = "DRAFT"
	PlanApproved PlanStatus = "APPROVED"
	PlanRejected PlanStatus = "REJECTED"
)

// ProductionStatus is the state of a production log entry.
type ProductionStatus string

const (
	ProductionStarted   ProductionStatus = "STARTED"
	ProductionPaused    ProductionStatus = "PAUSED"
	ProductionCompleted ProductionStatus = "COMPLETED"
	ProductionFailed    ProductionStatus = "FAILED"
)

// ScenarioCompleted is the scenario status after a successful run; a
// completed scenario is immutable.
const ScenarioCompleted = "COMPLETED"
