package domain

// ExitDecision is the evaluator's verdict that an exit condition fires now.
// Final decisions close the remaining quantity with the given reason; partial
// decisions close Quantity units of the original position and leave the rest
// under monitoring.
type ExitDecision struct {
	Final    bool
	Reason   CloseReason // set when Final
	Level    int         // index of the partial level, valid when !Final
	Quantity float64     // quantity to close
	Price    float64     // price the decision was made at
}
