package envisage

import (
	"sync"

	"github.com/awatters/envisage/extension"
	"github.com/awatters/envisage/logging"
	"github.com/awatters/envisage/service"
)

// ServiceOffersID is the extension point plugins contribute *ServiceOffer
// values to. Offers are registered as lazy services when the application
// starts, before any plugin, and withdrawn after all plugins stop.
const ServiceOffersID = "envisage.service_offers"

// ServiceOffer describes a service built on first lookup.
type ServiceOffer struct {
	Protocol service.Protocol
	Factory  service.Factory
	Provides []service.Protocol
}

type offerSet struct {
	mu     sync.Mutex
	active bool
	ids    map[*ServiceOffer]service.ServiceID
}

func (a *Application) activateOffers() {
	a.offers.mu.Lock()
	a.offers.active = true
	a.offers.mu.Unlock()
	a.syncOffers()
}

func (a *Application) deactivateOffers() {
	a.offers.mu.Lock()
	defer a.offers.mu.Unlock()
	a.offers.active = false
	for o, id := range a.offers.ids {
		if err := a.services.UnregisterService(id); err != nil {
			logging.Warnw(a.ctx, "service offer already unregistered", "protocol", o.Protocol, "service_id", id)
		}
		delete(a.offers.ids, o)
	}
}

// syncOffers registers new offers and withdraws removed ones while the
// application is running.
func (a *Application) syncOffers() {
	a.offers.mu.Lock()
	defer a.offers.mu.Unlock()
	if !a.offers.active {
		return
	}

	current := extension.As[*ServiceOffer](a.extensions.GetExtensions(ServiceOffersID))
	seen := make(map[*ServiceOffer]bool, len(current))
	for _, o := range current {
		seen[o] = true
		if _, ok := a.offers.ids[o]; ok {
			continue
		}
		id, err := a.services.RegisterFactory(o.Protocol, o.Factory, o.Provides...)
		if err != nil {
			logging.Warnw(a.ctx, "ignoring invalid service offer", append([]any{"protocol", o.Protocol}, logging.ErrorFields(err)...)...)
			continue
		}
		a.offers.ids[o] = id
	}

	for o, id := range a.offers.ids {
		if seen[o] {
			continue
		}
		if err := a.services.UnregisterService(id); err != nil {
			logging.Warnw(a.ctx, "service offer already unregistered", "protocol", o.Protocol, "service_id", id)
		}
		delete(a.offers.ids, o)
	}
}
