package exchange

import (
	"fmt"
	"strings"
)

// Exchange identifiers as they appear on the wire.
const (
	SHFE  = "SHFE"
	DCE   = "DCE"
	CZCE  = "CZCE"
	CFFEX = "CFFEX"
	INE   = "INE"
)

var productExchange = map[string]string{}

func init() {
	register := func(exchange string, products ...string) {
		for _, p := range products {
			// First registration wins; LU and BC are listed under both
			// SHFE and INE upstream and resolve to SHFE.
			if _, ok := productExchange[p]; !ok {
				productExchange[p] = exchange
			}
		}
	}
	register(SHFE, "CU", "AL", "ZN", "PB", "NI", "SN", "AU", "AG", "RB", "WR", "HC", "FU", "BU", "RU", "SP", "SS", "BC", "LU")
	register(DCE, "A", "B", "M", "Y", "P", "C", "CS", "JD", "L", "V", "PP", "J", "JM", "I", "EG", "EB", "PG", "RR", "FB", "BB", "LH")
	register(CZCE, "WH", "PM", "CF", "SR", "TA", "OI", "RI", "MA", "FG", "RS", "RM", "ZC", "JR", "LR", "SF", "SM", "CY", "AP", "CJ", "UR", "SA", "PF", "PK")
	register(CFFEX, "IF", "IC", "IH", "TS", "TF", "T", "IM")
	register(INE, "SC", "NR", "LU", "BC")
}

// Infer maps an instrument id like "rb2510" to its exchange by the leading
// product letters. Unknown products return the empty string.
func Infer(instrumentID string) string {
	return productExchange[productCode(instrumentID)]
}

func productCode(instrumentID string) string {
	i := 0
	for i < len(instrumentID) {
		c := instrumentID[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			i++
			continue
		}
		break
	}
	return strings.ToUpper(instrumentID[:i])
}

// NeedsCloseToday reports whether the exchange distinguishes closing today's
// lots from closing history lots. On these venues a close order must carry
// the right offset flag or it is rejected.
func NeedsCloseToday(exchangeID string) bool {
	switch exchangeID {
	case SHFE, INE, CFFEX:
		return true
	default:
		return false
	}
}

// CloseLot is one leg of a split close order.
type CloseLot struct {
	Volume     int
	CloseToday bool
}

// SplitClose breaks a close volume into history and today legs, history lots
// first. A volume beyond the held total is refused.
func SplitClose(volume, todayPos, historyPos, totalPos int) ([]CloseLot, error) {
	if volume > totalPos {
		return nil, fmt.Errorf("close volume %d exceeds position %d (today %d, history %d)",
			volume, totalPos, todayPos, historyPos)
	}

	var lots []CloseLot
	remaining := volume

	if historyPos > 0 && remaining > 0 {
		n := historyPos
		if remaining < n {
			n = remaining
		}
		lots = append(lots, CloseLot{Volume: n, CloseToday: false})
		remaining -= n
	}

	if todayPos > 0 && remaining > 0 {
		n := todayPos
		if remaining < n {
			n = remaining
		}
		lots = append(lots, CloseLot{Volume: n, CloseToday: true})
		remaining -= n
	}

	return lots, nil
}
