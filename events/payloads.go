package events

type (
	// OptimizationRunRequested asks the consumer to run one optimization.
	// Nil Kerf and AllowRotation defer to the scenario and the engine
	// defaults; explicit zero and false are overrides.
	OptimizationRunRequested struct {
		CuttingJobID  string `json:"cuttingJobId"`
		ScenarioID    string `json:"scenarioId"`
		Algorithm     string `json:"algorithm,omitempty"`
		Kerf          *int64 `json:"kerf,omitempty"`
		AllowRotation *bool  `json:"allowRotation,omitempty"`
		CorrelationID string `json:"correlationId"`
	}

	// OptimizationCompleted reports a persisted plan.
	OptimizationCompleted struct {
		ScenarioID     string `json:"scenarioId"`
		PlanID         string `json:"planId"`
		PlanNumber     string `json:"planNumber"`
		EfficiencyBP   int64  `json:"efficiencyBp"`
		WastePercentBP int64  `json:"wastePercentBp"`
	}

	// OptimizationFailed reports a failed run. Reason is the error kind
	// (TIMEOUT, CANCELLED, VALIDATION, ...).
	OptimizationFailed struct {
		ScenarioID string `json:"scenarioId"`
		Reason     string `json:"reason"`
	}

	// StockLow fires when a reservation drops free quantity below the
	// configured threshold.
	StockLow struct {
		StockItemID string `json:"stockItemId"`
		Threshold   int    `json:"threshold"`
		CurrentQty  int    `json:"currentQty"`
	}

	// LockChanged carries both LOCK_ACQUIRED and LOCK_RELEASED.
	LockChanged struct {
		DocumentType string `json:"documentType"`
		DocumentID   string `json:"documentId"`
		UserID       string `json:"userId"`
		ExpiresAt    string `json:"expiresAt,omitempty"`
		Forced       bool   `json:"forced,omitempty"`
	}

	// Mention notifies a user referenced from an activity.
	Mention struct {
		ActivityID      string `json:"activityId"`
		MentionedUserID string `json:"mentionedUserId"`
		ActorID         string `json:"actorId"`
		TargetType      string `json:"targetType,omitempty"`
		TargetID        string `json:"targetId,omitempty"`
	}

	// ActivityRecorded broadcasts a new feed entry for real-time clients.
	ActivityRecorded struct {
		ActivityID   string `json:"activityId"`
		ActivityType string `json:"activityType"`
		ActorID      string `json:"actorId"`
		TargetType   string `json:"targetType,omitempty"`
		TargetID     string `json:"targetId,omitempty"`
	}
)
