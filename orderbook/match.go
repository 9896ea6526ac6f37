package orderbook

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"

	"github.com/google/uuid"
	"github.com/peerdex/peerdex/messages"
	"github.com/peerdex/peerdex/p2p"
	"github.com/samber/lo"
)

// MinTradingVol is the smallest volume an order or request may have.
var MinTradingVol = big.NewRat(777, 100000)

type terms struct {
	base      string
	rel       string
	price     *big.Rat
	minVolume *big.Rat
	available *big.Rat
}

// reservedAmounts returns what a maker order exchanges for a taker request,
// seen from the maker: it sends makerBase of its base and receives makerRel
// of its rel. A buy matches orders selling the requested base, a sell
// matches orders selling the requested rel.
func reservedAmounts(t terms, action messages.TakerAction, reqBase, reqRel string, baseAmount, relAmount *big.Rat) (makerBase, makerRel *big.Rat, ok bool) {
	if baseAmount.Sign() <= 0 || relAmount.Sign() <= 0 {
		return nil, nil, false
	}
	switch action {
	case messages.TakerActionBuy:
		if t.base != reqBase || t.rel != reqRel {
			return nil, nil, false
		}
		// the taker pays at most relAmount / baseAmount per base
		if new(big.Rat).Quo(relAmount, baseAmount).Cmp(t.price) < 0 {
			return nil, nil, false
		}
		makerBase = new(big.Rat).Set(baseAmount)
		makerRel = new(big.Rat).Mul(baseAmount, t.price)

	case messages.TakerActionSell:
		if t.base != reqRel || t.rel != reqBase {
			return nil, nil, false
		}
		// the maker gives 1/price of the taker's rel per base sold
		if new(big.Rat).Quo(baseAmount, relAmount).Cmp(t.price) < 0 {
			return nil, nil, false
		}
		makerBase = new(big.Rat).Quo(baseAmount, t.price)
		makerRel = new(big.Rat).Set(baseAmount)

	default:
		return nil, nil, false
	}
	if makerBase.Cmp(t.minVolume) < 0 || makerBase.Cmp(t.available) > 0 {
		return nil, nil, false
	}
	return makerBase, makerRel, true
}

// acceptReservation checks that a maker reserved what the taker asked for.
func acceptReservation(req *messages.TakerRequest, baseAmount, relAmount *big.Rat, reserved *messages.MakerReserved) (makerBase, makerRel *big.Rat, err error) {
	if reserved.TakerUuid != req.Uuid {
		return nil, nil, fmt.Errorf("reservation for %s, not %s", reserved.TakerUuid, req.Uuid)
	}
	makerBase, err = messages.DecodeRat("base_amount", reserved.BaseAmount)
	if err != nil {
		return nil, nil, err
	}
	makerRel, err = messages.DecodeRat("rel_amount", reserved.RelAmount)
	if err != nil {
		return nil, nil, err
	}
	switch req.Action {
	case messages.TakerActionBuy:
		if reserved.Base != req.Base || reserved.Rel != req.Rel {
			return nil, nil, fmt.Errorf("reserved pair %s/%s does not match", reserved.Base, reserved.Rel)
		}
		if makerBase.Cmp(baseAmount) != 0 || makerRel.Cmp(relAmount) > 0 {
			return nil, nil, fmt.Errorf("reserved %s for %s exceeds the request", reserved.BaseAmount, reserved.RelAmount)
		}
	case messages.TakerActionSell:
		if reserved.Base != req.Rel || reserved.Rel != req.Base {
			return nil, nil, fmt.Errorf("reserved pair %s/%s does not match", reserved.Base, reserved.Rel)
		}
		if makerRel.Cmp(baseAmount) != 0 || makerBase.Cmp(relAmount) < 0 {
			return nil, nil, fmt.Errorf("reserved %s for %s is below the request", reserved.BaseAmount, reserved.RelAmount)
		}
	}
	if makerBase.Sign() <= 0 || makerRel.Sign() <= 0 {
		return nil, nil, fmt.Errorf("empty reservation")
	}
	return makerBase, makerRel, nil
}

func matchesFilter(matchBy messages.MatchBy, order uuid.UUID, maker p2p.PeerID) bool {
	switch matchBy.Type {
	case messages.MatchOrders:
		return lo.Contains(matchBy.Orders, order)
	case messages.MatchPubkeys:
		return lo.ContainsBy(matchBy.Pubkeys, func(pub []byte) bool {
			return hex.EncodeToString(pub) == string(maker)
		})
	}
	return true
}

type candidateReservation struct {
	peer      p2p.PeerID
	reserved  messages.MakerReserved
	makerBase *big.Rat
	makerRel  *big.Rat
	arrival   int
}

// sortReservations orders by the price the taker pays in the maker's rel per
// maker's base, then by total confirmations, then by arrival.
func sortReservations(rs []*candidateReservation) {
	sort.SliceStable(rs, func(i, j int) bool {
		pi := new(big.Rat).Quo(rs[i].makerRel, rs[i].makerBase)
		pj := new(big.Rat).Quo(rs[j].makerRel, rs[j].makerBase)
		if c := pi.Cmp(pj); c != 0 {
			return c < 0
		}
		ci, cj := rs[i].reserved.ConfSettings.Total(), rs[j].reserved.ConfSettings.Total()
		if ci != cj {
			return ci < cj
		}
		return rs[i].arrival < rs[j].arrival
	})
}

func validTerms(base, rel string, price, maxVolume, minVolume *big.Rat) error {
	switch {
	case base == "" || rel == "":
		return fmt.Errorf("%w: missing coin", ErrInvalidOrder)
	case base == rel:
		return fmt.Errorf("%w: base and rel are both %s", ErrInvalidOrder, base)
	case price == nil || price.Sign() <= 0:
		return fmt.Errorf("%w: price must be positive", ErrInvalidOrder)
	case minVolume == nil || minVolume.Sign() <= 0:
		return fmt.Errorf("%w: min volume must be positive", ErrInvalidOrder)
	case maxVolume == nil || maxVolume.Cmp(minVolume) < 0:
		return fmt.Errorf("%w: max volume below min volume", ErrInvalidOrder)
	}
	return nil
}
