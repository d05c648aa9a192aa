package entitlement_test

import (
	"testing"

	"github.com/Micka420-collab/CRM-SERV-sub000/internal/entitlement"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/entitlement/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) entitlement.Store {
		return entitlement.NewMemoryStore()
	})
}
