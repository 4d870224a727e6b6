package lifecycle

import "github.com/example/moto-dispatch/internal/models"

// Breakdown previews what settlement will charge. It uses the same
// rounding as the ledger so the preview and the settled amounts agree.
type Breakdown struct {
	Price      float64 `json:"price"`
	Commission float64 `json:"commission"`
	Net        float64 `json:"net"`
}

func Fare(price, rate float64) Breakdown {
	commission, net := models.Commission(price, rate)
	return Breakdown{
		Price:      models.RoundCents(price),
		Commission: commission,
		Net:        net,
	}
}
