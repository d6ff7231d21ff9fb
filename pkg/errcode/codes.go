package errcode

// Validation errors
var (
	InvalidName        = New(ClassValidation, "OPENAUDIT/IDENTITY/INVALID_NAME", "agent name must be 1-32 characters")
	EmptyValue         = New(ClassValidation, "OPENAUDIT/VALIDATION/EMPTY_VALUE", "required value is empty")
	InvalidDeadline    = New(ClassValidation, "OPENAUDIT/BOUNTY/INVALID_DEADLINE", "deadline must be in the future")
	InsufficientReward = New(ClassValidation, "OPENAUDIT/BOUNTY/INSUFFICIENT_REWARD", "reward below minimum")
	InvalidTarget      = New(ClassValidation, "OPENAUDIT/BOUNTY/INVALID_TARGET", "target must be a non-zero address")
	InvalidScore       = New(ClassValidation, "OPENAUDIT/REPUTATION/INVALID_SCORE", "score out of range")
	InvalidAddress     = New(ClassValidation, "OPENAUDIT/VALIDATION/INVALID_ADDRESS", "malformed address")
	InvalidAmount      = New(ClassValidation, "OPENAUDIT/VALIDATION/INVALID_AMOUNT", "malformed amount")
	InvalidRequest     = New(ClassValidation, "OPENAUDIT/VALIDATION/INVALID_REQUEST", "request does not match schema")

	UnsupportedDestination = New(ClassValidation, "OPENAUDIT/SETTLEMENT/UNSUPPORTED_DESTINATION", "unsupported payout destination")
)

// Authorization errors
var (
	NotAuthorized = New(ClassAuthorization, "OPENAUDIT/AUTH/NOT_AUTHORIZED", "caller not authorized")
	NotSponsor    = New(ClassAuthorization, "OPENAUDIT/BOUNTY/NOT_SPONSOR", "caller is not the bounty sponsor")
	NotRegistered = New(ClassAuthorization, "OPENAUDIT/IDENTITY/NOT_REGISTERED", "caller is not a registered agent")
)

// State-conflict errors
var (
	NameTaken         = New(ClassStateConflict, "OPENAUDIT/IDENTITY/NAME_TAKEN", "agent name already in use")
	AlreadyRegistered = New(ClassStateConflict, "OPENAUDIT/IDENTITY/ALREADY_REGISTERED", "caller already owns an agent")
	AlreadySubmitted  = New(ClassStateConflict, "OPENAUDIT/BOUNTY/ALREADY_SUBMITTED", "submitter already submitted to this bounty")
	AlreadyRevealed   = New(ClassStateConflict, "OPENAUDIT/BOUNTY/ALREADY_REVEALED", "finding already revealed")
	BountyNotActive   = New(ClassStateConflict, "OPENAUDIT/BOUNTY/NOT_ACTIVE", "bounty is not active")
	DeadlinePassed    = New(ClassStateConflict, "OPENAUDIT/BOUNTY/DEADLINE_PASSED", "bounty deadline has passed")
	InvalidReveal     = New(ClassStateConflict, "OPENAUDIT/BOUNTY/INVALID_REVEAL", "reveal does not match commitment")
	NoCommitment      = New(ClassStateConflict, "OPENAUDIT/BOUNTY/NO_COMMITMENT", "no commitment to reveal")
	NoFinding         = New(ClassStateConflict, "OPENAUDIT/BOUNTY/NO_FINDING", "winner has no accepted finding")
	AgentSlashed      = New(ClassStateConflict, "OPENAUDIT/REPUTATION/AGENT_SLASHED", "agent has been slashed")
	NotAbortable      = New(ClassStateConflict, "OPENAUDIT/SETTLEMENT/NOT_ABORTABLE", "settlement can no longer be aborted")
)

// Not-found errors
var (
	AgentNotFound      = New(ClassNotFound, "OPENAUDIT/IDENTITY/AGENT_NOT_FOUND", "agent not found")
	BountyNotFound     = New(ClassNotFound, "OPENAUDIT/BOUNTY/NOT_FOUND", "bounty not found")
	SettlementNotFound = New(ClassNotFound, "OPENAUDIT/SETTLEMENT/NOT_FOUND", "settlement record not found")
)

// Transfer and settlement errors
var (
	TransferFailed = New(ClassTransfer, "OPENAUDIT/TRANSFER/FAILED", "token transfer failed")
	StepFailed     = New(ClassSettlement, "OPENAUDIT/SETTLEMENT/STEP_FAILED", "settlement step failed")
	Internal       = New(ClassInternal, "OPENAUDIT/INTERNAL", "internal error")
)
