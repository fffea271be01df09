package models

// VoteCast is published once for every successful vote.
type VoteCast struct {
	Receipt *VoteReceipt
}

// VoteReceipt is handed back to the voter as proof the vote was recorded.
type VoteReceipt struct {
	ID        string `json:"id"`
	Voter     string `json:"voter"`
	Party     string `json:"party"`
	CastAt    int64  `json:"castAt"` // Unix milliseconds
	Receipt   string `json:"receipt"`
	Signature string `json:"signature"`
}
