package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"DSCLedger/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var ErrUnknownEventType = errors.New("unknown event type")

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed event.Event. The ingestion shell validates, parses, and converts raw
// commands before sending them to the deterministic core.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	return ParseCommand(eventType, raw.Data)
}

// ParseCommand decodes one command payload of the given type.
func ParseCommand(eventType string, data []byte) (event.Event, error) {
	switch event.ParseEventType(eventType) {
	case event.EventTypeDepositCollateral:
		return parseDepositCollateral(data)
	case event.EventTypeDepositCollateralAndMintDsc:
		return parseDepositAndMint(data)
	case event.EventTypeRedeemCollateral:
		return parseRedeemCollateral(data)
	case event.EventTypeRedeemCollateralForDsc:
		return parseRedeemForDsc(data)
	case event.EventTypeMintDsc:
		return parseMintDsc(data)
	case event.EventTypeBurnDsc:
		return parseBurnDsc(data)
	case event.EventTypeLiquidate:
		return parseLiquidate(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS or gRPC.
// Amounts are base-unit decimal strings (18 decimals) so that 256-bit values
// survive JSON. Addresses are 0x-prefixed hex.

type headerJSON struct {
	CommandID   string `json:"command_id"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func (h headerJSON) parse() (uuid.UUID, time.Time, error) {
	id, err := uuid.Parse(h.CommandID)
	if err != nil {
		return uuid.Nil, time.Time{}, fmt.Errorf("parse command_id: %w", err)
	}
	if h.Sequence < 0 {
		return uuid.Nil, time.Time{}, fmt.Errorf("parse sequence: negative value %d", h.Sequence)
	}
	return id, time.UnixMicro(h.TimestampUs).UTC(), nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("parse %s: invalid address %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseAmount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("parse %s: empty amount", field)
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return v, nil
}

type depositJSON struct {
	headerJSON
	User   string `json:"user"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func parseDepositCollateral(data []byte) (*event.DepositCollateral, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DepositCollateral: %w", err)
	}
	id, ts, err := j.parse()
	if err != nil {
		return nil, err
	}
	user, err := parseAddress("user", j.User)
	if err != nil {
		return nil, err
	}
	asset, err := parseAddress("asset", j.Asset)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.DepositCollateral{
		CommandID: id,
		User:      user,
		Asset:     asset,
		Amount:    amount,
		Sequence:  j.Sequence,
		Timestamp: ts,
	}, nil
}

type depositAndMintJSON struct {
	headerJSON
	User             string `json:"user"`
	Asset            string `json:"asset"`
	CollateralAmount string `json:"collateral_amount"`
	MintAmount       string `json:"mint_amount"`
}

func parseDepositAndMint(data []byte) (*event.DepositCollateralAndMintDsc, error) {
	var j depositAndMintJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DepositCollateralAndMintDsc: %w", err)
	}
	id, ts, err := j.parse()
	if err != nil {
		return nil, err
	}
	user, err := parseAddress("user", j.User)
	if err != nil {
		return nil, err
	}
	asset, err := parseAddress("asset", j.Asset)
	if err != nil {
		return nil, err
	}
	collateral, err := parseAmount("collateral_amount", j.CollateralAmount)
	if err != nil {
		return nil, err
	}
	mint, err := parseAmount("mint_amount", j.MintAmount)
	if err != nil {
		return nil, err
	}
	return &event.DepositCollateralAndMintDsc{
		CommandID:        id,
		User:             user,
		Asset:            asset,
		CollateralAmount: collateral,
		MintAmount:       mint,
		Sequence:         j.Sequence,
		Timestamp:        ts,
	}, nil
}

func parseRedeemCollateral(data []byte) (*event.RedeemCollateral, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RedeemCollateral: %w", err)
	}
	id, ts, err := j.parse()
	if err != nil {
		return nil, err
	}
	user, err := parseAddress("user", j.User)
	if err != nil {
		return nil, err
	}
	asset, err := parseAddress("asset", j.Asset)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.RedeemCollateral{
		CommandID: id,
		User:      user,
		Asset:     asset,
		Amount:    amount,
		Sequence:  j.Sequence,
		Timestamp: ts,
	}, nil
}

type redeemForDscJSON struct {
	headerJSON
	User         string `json:"user"`
	Asset        string `json:"asset"`
	RedeemAmount string `json:"redeem_amount"`
	BurnAmount   string `json:"burn_amount"`
}

func parseRedeemForDsc(data []byte) (*event.RedeemCollateralForDsc, error) {
	var j redeemForDscJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RedeemCollateralForDsc: %w", err)
	}
	id, ts, err := j.parse()
	if err != nil {
		return nil, err
	}
	user, err := parseAddress("user", j.User)
	if err != nil {
		return nil, err
	}
	asset, err := parseAddress("asset", j.Asset)
	if err != nil {
		return nil, err
	}
	redeem, err := parseAmount("redeem_amount", j.RedeemAmount)
	if err != nil {
		return nil, err
	}
	burn, err := parseAmount("burn_amount", j.BurnAmount)
	if err != nil {
		return nil, err
	}
	return &event.RedeemCollateralForDsc{
		CommandID:    id,
		User:         user,
		Asset:        asset,
		RedeemAmount: redeem,
		BurnAmount:   burn,
		Sequence:     j.Sequence,
		Timestamp:    ts,
	}, nil
}

type stableJSON struct {
	headerJSON
	User   string `json:"user"`
	Amount string `json:"amount"`
}

type stableCommand struct {
	id     uuid.UUID
	user   common.Address
	amount *uint256.Int
	seq    int64
	ts     time.Time
}

func parseStable(kind string, data []byte) (stableCommand, error) {
	var j stableJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return stableCommand{}, fmt.Errorf("parse %s: %w", kind, err)
	}
	id, ts, err := j.parse()
	if err != nil {
		return stableCommand{}, err
	}
	user, err := parseAddress("user", j.User)
	if err != nil {
		return stableCommand{}, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return stableCommand{}, err
	}
	return stableCommand{id: id, user: user, amount: amount, seq: j.Sequence, ts: ts}, nil
}

func parseMintDsc(data []byte) (*event.MintDsc, error) {
	c, err := parseStable("MintDsc", data)
	if err != nil {
		return nil, err
	}
	return &event.MintDsc{
		CommandID: c.id,
		User:      c.user,
		Amount:    c.amount,
		Sequence:  c.seq,
		Timestamp: c.ts,
	}, nil
}

func parseBurnDsc(data []byte) (*event.BurnDsc, error) {
	c, err := parseStable("BurnDsc", data)
	if err != nil {
		return nil, err
	}
	return &event.BurnDsc{
		CommandID: c.id,
		User:      c.user,
		Amount:    c.amount,
		Sequence:  c.seq,
		Timestamp: c.ts,
	}, nil
}

type liquidateJSON struct {
	headerJSON
	Liquidator  string `json:"liquidator"`
	Target      string `json:"target"`
	Asset       string `json:"asset"`
	DebtToCover string `json:"debt_to_cover"`
}

func parseLiquidate(data []byte) (*event.Liquidate, error) {
	var j liquidateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Liquidate: %w", err)
	}
	id, ts, err := j.parse()
	if err != nil {
		return nil, err
	}
	liquidator, err := parseAddress("liquidator", j.Liquidator)
	if err != nil {
		return nil, err
	}
	target, err := parseAddress("target", j.Target)
	if err != nil {
		return nil, err
	}
	asset, err := parseAddress("asset", j.Asset)
	if err != nil {
		return nil, err
	}
	debt, err := parseAmount("debt_to_cover", j.DebtToCover)
	if err != nil {
		return nil, err
	}
	return &event.Liquidate{
		CommandID:   id,
		Liquidator:  liquidator,
		Target:      target,
		Asset:       asset,
		DebtToCover: debt,
		Sequence:    j.Sequence,
		Timestamp:   ts,
	}, nil
}
