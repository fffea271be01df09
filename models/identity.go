package models

import "fmt"

// Identity is a registered user. PrimaryID and SecondaryID are each unique
// across the registry.
type Identity struct {
	Name         string `json:"name"`
	PrimaryID    string `json:"email"`
	Address      string `json:"address"`
	BiometricTag string `json:"faceId"`
	SecondaryID  string `json:"aadharCardNumber"`
}

// GenesisIdentity is the synthetic identity sealed into the genesis block.
func GenesisIdentity() Identity {
	return Identity{
		Name:         "Genesis User",
		PrimaryID:    "genesis@example.com",
		Address:      "1234 Genesis Street, Origin City",
		BiometricTag: "GENESIS_FACE_ID",
		SecondaryID:  "0000-1111-2222",
	}
}

// String renders the identity the way it enters the block digest.
func (i Identity) String() string {
	return fmt.Sprintf("User(name=%s, email=%s, address=%s, faceId=%s, aadharCardNumber=%s)",
		i.Name, i.PrimaryID, i.Address, i.BiometricTag, i.SecondaryID)
}

// Matches reports whether identifier is either of the identity's keys.
func (i Identity) Matches(identifier string) bool {
	return identifier != "" && (i.PrimaryID == identifier || i.SecondaryID == identifier)
}
