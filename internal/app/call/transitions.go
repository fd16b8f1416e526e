package call

import "github.com/dkeye/Telecall/internal/domain"

// allowedTransitions lists every phase change the machine may make.
// Leaving a session always goes through IDLE.
var allowedTransitions = map[domain.Phase][]domain.Phase{
	domain.PhaseIdle:            {domain.PhaseOutgoingRinging, domain.PhaseIncomingRinging},
	domain.PhaseOutgoingRinging: {domain.PhaseConnected, domain.PhaseIdle},
	domain.PhaseIncomingRinging: {domain.PhaseConnected, domain.PhaseIdle},
	domain.PhaseConnected:       {domain.PhaseIdle},
}

func canTransition(from, to domain.Phase) bool {
	for _, p := range allowedTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}
