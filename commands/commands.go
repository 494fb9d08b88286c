// commands/commands.go
package commands

// Command vocabulary sent back to the game. The transport treats these
// as opaque JSON; the shapes here are the contract with the mod.

type Play struct {
	Action      string `json:"action"`
	CardIndex   int    `json:"card_index"`
	TargetIndex *int   `json:"target_index,omitempty"`
}

type End struct {
	Action string `json:"action"`
}

type Choose struct {
	Action string `json:"action"`
	// Choice is an index or a choice label.
	Choice any `json:"choice"`
}

type Potion struct {
	Action       string `json:"action"`
	PotionAction string `json:"potion_action"`
	Slot         int    `json:"slot"`
	TargetIndex  *int   `json:"target_index,omitempty"`
}

// NewPlay plays the card at cardIndex, optionally targeting a monster.
func NewPlay(cardIndex int, targetIndex *int) Play {
	return Play{Action: "PLAY", CardIndex: cardIndex, TargetIndex: targetIndex}
}

// NewEnd ends the current turn.
func NewEnd() End {
	return End{Action: "END"}
}

// NewChoose picks an option by index or label.
func NewChoose(choice any) Choose {
	return Choose{Action: "CHOOSE", Choice: choice}
}

// NewUsePotion drinks the potion in slot.
func NewUsePotion(slot int, targetIndex *int) Potion {
	return Potion{Action: "POTION", PotionAction: "use", Slot: slot, TargetIndex: targetIndex}
}

// NewDiscardPotion throws away the potion in slot.
func NewDiscardPotion(slot int) Potion {
	return Potion{Action: "POTION", PotionAction: "discard", Slot: slot}
}
