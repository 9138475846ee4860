package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/walltrack/walltrack-engine/pkg/models"
)

// Helius webhook payload parsing. The provider delivers enhanced
// transaction objects, singly or batched; each is normalised into a
// SwapEvent or dropped as non-swap.

// ErrMalformedPayload means the body was not valid JSON of the expected
// shape. The webhook handler maps it to HTTP 400.
var ErrMalformedPayload = errors.New("malformed_payload")

const lamportsPerSOL = 1_000_000_000

// knownDEXPrograms are the swap programs we mirror. Transactions that touch
// none of them are dropped as non-swap.
var knownDEXPrograms = map[string]string{
	"675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8": "raydium_v4",
	"JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4":  "jupiter_v6",
	"6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P":  "pump_fun",
	"whirLbMiicVdio4qvUfM5KAg6Ct8VwpYzGff3uctyCc":  "orca_whirlpool",
}

// knownDEXSources are Helius source tags equivalent to a program match.
var knownDEXSources = map[string]bool{
	"RAYDIUM":  true,
	"JUPITER":  true,
	"PUMP_FUN": true,
	"ORCA":     true,
}

type tokenTransfer struct {
	FromUserAccount string  `json:"fromUserAccount"`
	ToUserAccount   string  `json:"toUserAccount"`
	Mint            string  `json:"mint"`
	TokenAmount     float64 `json:"tokenAmount"`
}

type nativeTransfer struct {
	FromUserAccount string `json:"fromUserAccount"`
	ToUserAccount   string `json:"toUserAccount"`
	Amount          int64  `json:"amount"` // lamports
}

type instruction struct {
	ProgramID string `json:"programId"`
}

type swapNativeLeg struct {
	Account string `json:"account"`
	Amount  string `json:"amount"` // lamports, decimal string
}

type heliusTransaction struct {
	Signature       string           `json:"signature"`
	FeePayer        string           `json:"feePayer"`
	Slot            uint64           `json:"slot"`
	Timestamp       int64            `json:"timestamp"`
	Source          string           `json:"source"`
	TokenTransfers  []tokenTransfer  `json:"tokenTransfers"`
	NativeTransfers []nativeTransfer `json:"nativeTransfers"`
	Instructions    []instruction    `json:"instructions"`
	Events          struct {
		Swap *struct {
			NativeInput  *swapNativeLeg `json:"nativeInput"`
			NativeOutput *swapNativeLeg `json:"nativeOutput"`
		} `json:"swap"`
	} `json:"events"`
}

// ParsePayload accepts a single transaction object or a batch array and
// returns the swap events it contains. Non-swap transactions are skipped,
// not errors; a payload of zero swaps is a valid outcome.
func ParsePayload(raw []byte) ([]models.SwapEvent, error) {
	var batch []json.RawMessage

	trimmed := firstNonSpace(raw)
	switch trimmed {
	case '[':
		if err := json.Unmarshal(raw, &batch); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
	case '{':
		batch = []json.RawMessage{raw}
	default:
		return nil, fmt.Errorf("%w: body is neither object nor array", ErrMalformedPayload)
	}

	events := make([]models.SwapEvent, 0, len(batch))
	for _, item := range batch {
		var tx heliusTransaction
		if err := json.Unmarshal(item, &tx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if ev, ok := parseTransaction(tx, item); ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

// parseTransaction maps one provider transaction to a SwapEvent. Returns
// false when the transaction is not a swap we track.
func parseTransaction(tx heliusTransaction, raw json.RawMessage) (models.SwapEvent, bool) {
	if tx.Signature == "" || tx.FeePayer == "" {
		return models.SwapEvent{}, false
	}
	if !touchesKnownDEX(tx) {
		return models.SwapEvent{}, false
	}

	// The mirrored wallet is the fee payer. Find its non-SOL token leg.
	var tokenMint string
	var amountToken float64
	var walletReceivedToken bool
	for _, tt := range tx.TokenTransfers {
		if tt.Mint == "" || tt.Mint == models.WSOLMint {
			continue
		}
		if tt.ToUserAccount == tx.FeePayer {
			tokenMint = tt.Mint
			amountToken = tt.TokenAmount
			walletReceivedToken = true
			break
		}
		if tt.FromUserAccount == tx.FeePayer {
			tokenMint = tt.Mint
			amountToken = tt.TokenAmount
			walletReceivedToken = false
			break
		}
	}
	if tokenMint == "" {
		return models.SwapEvent{}, false
	}

	direction := models.DirectionSell
	if walletReceivedToken {
		direction = models.DirectionBuy
	}

	ev := models.SwapEvent{
		TxSignature: tx.Signature,
		Wallet:      tx.FeePayer,
		Token:       tokenMint,
		Direction:   direction,
		AmountToken: amountToken,
		AmountSOL:   solAmount(tx, direction),
		Slot:        tx.Slot,
		Timestamp:   time.Unix(tx.Timestamp, 0).UTC(),
		RawPayload:  append([]byte(nil), raw...),
	}
	return ev, true
}

// solAmount extracts the SOL side of the swap: spent on a buy, received on
// a sell. The enriched swap event is authoritative; native transfers are
// the fallback.
func solAmount(tx heliusTransaction, direction models.Direction) float64 {
	if tx.Events.Swap != nil {
		leg := tx.Events.Swap.NativeInput
		if direction == models.DirectionSell {
			leg = tx.Events.Swap.NativeOutput
		}
		if leg != nil {
			var lamports int64
			if _, err := fmt.Sscan(leg.Amount, &lamports); err == nil && lamports > 0 {
				return float64(lamports) / lamportsPerSOL
			}
		}
	}

	var spent, received int64
	for _, nt := range tx.NativeTransfers {
		if nt.FromUserAccount == tx.FeePayer {
			spent += nt.Amount
		}
		if nt.ToUserAccount == tx.FeePayer {
			received += nt.Amount
		}
	}
	if direction == models.DirectionBuy {
		return float64(spent) / lamportsPerSOL
	}
	return float64(received) / lamportsPerSOL
}

func touchesKnownDEX(tx heliusTransaction) bool {
	if knownDEXSources[tx.Source] {
		return true
	}
	for _, ins := range tx.Instructions {
		if _, ok := knownDEXPrograms[ins.ProgramID]; ok {
			return true
		}
	}
	return false
}

func firstNonSpace(raw []byte) byte {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return b
	}
	return 0
}
