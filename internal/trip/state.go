package trip

import "github.com/example/ride-dispatch/internal/models"

// transitions is the only place the ride lifecycle is defined.
var transitions = map[models.RideStatus][]models.RideStatus{
	models.StatusRequested: {models.StatusMatched, models.StatusCancelled},
	models.StatusMatched:   {models.StatusVerified, models.StatusCancelled},
	models.StatusVerified:  {models.StatusCompleted, models.StatusCancelled},
}

// CanTransition reports whether a ride may move from one status to another.
func CanTransition(from, to models.RideStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
