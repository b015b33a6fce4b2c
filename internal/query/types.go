package query

// Amounts are base-unit integers rendered as decimal strings; USD values
// and health factors are 18-decimal fixed point.

// CollateralPosition is one asset's projected collateral balance.
type CollateralPosition struct {
	Asset        string `json:"asset"`
	Amount       string `json:"amount"`
	LastSequence int64  `json:"last_sequence"`
}

// PositionResponse is a user's position as recorded in the projections.
type PositionResponse struct {
	User         string               `json:"user"`
	Collateral   []CollateralPosition `json:"collateral"`
	Debt         string               `json:"debt"`
	AsOfSequence int64                `json:"as_of_sequence"`
}

// LiveCollateral is one asset of a live account view.
type LiveCollateral struct {
	Asset    string `json:"asset"`
	Amount   string `json:"amount"`
	UsdValue string `json:"usd_value"`
}

// AccountResponse is a user's position valued against current prices.
type AccountResponse struct {
	User                 string           `json:"user"`
	TotalDscMinted       string           `json:"total_dsc_minted"`
	CollateralValueInUsd string           `json:"collateral_value_in_usd"`
	HealthFactor         string           `json:"health_factor"`
	NoDebt               bool             `json:"no_debt"`
	Liquidatable         bool             `json:"liquidatable"`
	Collateral           []LiveCollateral `json:"collateral"`
}

// LiquidationResponse is one recorded liquidation.
type LiquidationResponse struct {
	Sequence         int64  `json:"sequence"`
	EventIndex       int32  `json:"event_index"`
	Liquidator       string `json:"liquidator"`
	User             string `json:"user"`
	Asset            string `json:"asset"`
	DebtCovered      string `json:"debt_covered"`
	CollateralSeized string `json:"collateral_seized"`
	Bonus            string `json:"bonus"`
	BonusCapped      bool   `json:"bonus_capped"`
	HealthBefore     string `json:"health_before"`
	HealthAfter      string `json:"health_after"`
	Timestamp        int64  `json:"timestamp"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EntryIndex    int32  `json:"entry_index"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// SolvencyResponse compares all collateral value against all debt.
type SolvencyResponse struct {
	TotalCollateralUsd string            `json:"total_collateral_usd"`
	TotalDebt          string            `json:"total_debt"`
	ByAsset            map[string]string `json:"by_asset"`
	Solvent            bool              `json:"solvent"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	NegativeAccounts []NegativeAccount `json:"negative_accounts,omitempty"`
}

// NegativeAccount is a user account whose journals net below zero.
type NegativeAccount struct {
	Account string `json:"account"`
	Balance string `json:"balance"`
}
