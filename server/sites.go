package server

import (
	"errors"
	"math/rand/v2"

	"github.com/taylorza/go-lfsr"
)

var (
	ErrRoomFull = errors.New("server: no free site in room")
)

// siteAllocator hands out the sites 1..255 in the order of a maximal 8-bit LFSR.
// A released site comes around again only after every other site was offered, so a reconnecting
// replica very rarely inherits a site that was just let go.
// It is not safe for concurrent use.
type siteAllocator struct {
	gen   *lfsr.Lfsr8
	inUse map[uint8]bool
}

func newSiteAllocator() *siteAllocator {
	// a zero seed would lock the register
	seed := uint8(rand.IntN(255) + 1)
	return &siteAllocator{
		gen:   lfsr.NewLfsr8(seed),
		inUse: map[uint8]bool{},
	}
}

func (a *siteAllocator) Acquire() (uint8, error) {
	for range 255 {
		site, _ := a.gen.Next()
		if site == 0 || a.inUse[site] {
			continue
		}
		a.inUse[site] = true
		return site, nil
	}
	return 0, ErrRoomFull
}

func (a *siteAllocator) Release(site uint8) {
	delete(a.inUse, site)
}
