package chain

// Template is a getblocktemplate result.
type Template struct {
	Bits                     string       `json:"bits"`
	CurTime                  int64        `json:"curtime"`
	Height                   int64        `json:"height"`
	MinTime                  int64        `json:"mintime"`
	Target                   string       `json:"target"`
	Version                  int32        `json:"version"`
	Previous                 string       `json:"previousblockhash"`
	CoinbaseValue            int64        `json:"coinbasevalue"`
	DefaultWitnessCommitment string       `json:"default_witness_commitment"`
	LongPollID               string       `json:"longpollid"`
	Transactions             []TemplateTx `json:"transactions"`
	Rules                    []string     `json:"rules"`
	CoinbaseAux              struct {
		Flags string `json:"flags"`
	} `json:"coinbaseaux"`
}

type TemplateTx struct {
	Data string `json:"data"`
	Txid string `json:"txid"`
	Hash string `json:"hash"`
}
