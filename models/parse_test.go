package models

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/danielstarman/slay-the-spire-mcp-sub000/logger"
)

func TestMain(m *testing.M) {
	logger.Init()
	os.Exit(m.Run())
}

func decode(t *testing.T, raw string) map[string]any {
	t.Helper()
	var message map[string]any
	if err := json.Unmarshal([]byte(raw), &message); err != nil {
		t.Fatalf("test message is not valid JSON: %v", err)
	}
	return message
}

func TestParseStateMessage_PreferredEnvelope(t *testing.T) {
	message := decode(t, `{
		"in_game": true,
		"game_state": {
			"floor": 12,
			"screen_type": "MAP",
			"current_hp": 48,
			"max_hp": 75,
			"gold": 230,
			"block": 6
		}
	}`)

	state, ok := ParseStateMessage(message)
	if !ok {
		t.Fatal("Expected message to parse as a state message")
	}
	if !state.InGame {
		t.Error("Expected in_game from the top level to win")
	}
	if state.Floor != 12 || state.ScreenType != "MAP" {
		t.Errorf("Unexpected floor/screen: %d/%s", state.Floor, state.ScreenType)
	}
	if state.HP != 48 || state.MaxHP != 75 {
		t.Errorf("Expected hp 48/75, got %d/%d", state.HP, state.MaxHP)
	}
	if state.CurrentBlock != 6 {
		t.Errorf("Expected block 6, got %d", state.CurrentBlock)
	}
}

func TestParseStateMessage_InGameFallsBackToGameState(t *testing.T) {
	message := decode(t, `{"game_state": {"in_game": true, "floor": 1}}`)
	state, ok := ParseStateMessage(message)
	if !ok {
		t.Fatal("Expected message to parse")
	}
	if !state.InGame {
		t.Error("Expected in_game resolved from inside game_state")
	}
}

func TestParseStateMessage_LegacyEnvelope(t *testing.T) {
	message := decode(t, `{"type": "state", "data": {"floor": 3, "hp": 20, "current_block": 4}}`)
	state, ok := ParseStateMessage(message)
	if !ok {
		t.Fatal("Expected legacy envelope to parse")
	}
	if state.Floor != 3 || state.HP != 20 || state.CurrentBlock != 4 {
		t.Errorf("Unexpected state: floor=%d hp=%d block=%d", state.Floor, state.HP, state.CurrentBlock)
	}
}

func TestParseStateMessage_RejectsOtherShapes(t *testing.T) {
	for _, raw := range []string{
		`{"type": "pong"}`,
		`{"type": "state"}`,
		`{"type": "state", "data": {}}`,
		`{"hello": "world"}`,
	} {
		if _, ok := ParseStateMessage(decode(t, raw)); ok {
			t.Errorf("Expected %s to be treated as a non-state message", raw)
		}
	}
}

func TestParseStateMessage_HPCompat(t *testing.T) {
	// current_hp wins over hp when both are present.
	message := decode(t, `{"type": "state", "data": {"current_hp": 10, "hp": 99}}`)
	state, _ := ParseStateMessage(message)
	if state.HP != 10 {
		t.Errorf("Expected current_hp to win, got %d", state.HP)
	}

	message = decode(t, `{"type": "state", "data": {"hp": 99}}`)
	state, _ = ParseStateMessage(message)
	if state.HP != 99 {
		t.Errorf("Expected hp fallback, got %d", state.HP)
	}
}

func TestParseStateMessage_ScreenStateForms(t *testing.T) {
	message := decode(t, `{"type": "state", "data": {"screen_state": "COMBAT"}}`)
	state, _ := ParseStateMessage(message)
	if name, _ := state.ScreenState["name"].(string); name != "COMBAT" {
		t.Errorf("Expected bare string wrapped as name, got %v", state.ScreenState)
	}

	message = decode(t, `{"type": "state", "data": {"screen_state": {"symbol": "$"}}}`)
	state, _ = ParseStateMessage(message)
	if sym, _ := state.ScreenState["symbol"].(string); sym != "$" {
		t.Errorf("Expected object used as-is, got %v", state.ScreenState)
	}

	message = decode(t, `{"type": "state", "data": {"floor": 1}}`)
	state, _ = ParseStateMessage(message)
	if state.ScreenState == nil || len(state.ScreenState) != 0 {
		t.Errorf("Expected empty object for absent screen_state, got %v", state.ScreenState)
	}
}

func TestParseStateMessage_ItemCollections(t *testing.T) {
	message := decode(t, `{"type": "state", "data": {
		"deck": [{"name": "Strike", "cost": 1, "type": "ATTACK"}, "Defend", 42],
		"relics": [{"name": "Burning Blood", "counter": -1}, "Vajra"],
		"potions": [{"name": "Fire Potion", "requires_target": true}, 7]
	}}`)

	state, _ := ParseStateMessage(message)

	// Malformed elements are skipped; bare strings become named items.
	if len(state.Deck) != 2 {
		t.Fatalf("Expected 2 deck cards, got %d", len(state.Deck))
	}
	if state.Deck[0].Name != "Strike" || state.Deck[0].Cost != 1 {
		t.Errorf("Unexpected first card: %+v", state.Deck[0])
	}
	if state.Deck[1].Name != "Defend" {
		t.Errorf("Expected bare string card Defend, got %+v", state.Deck[1])
	}

	if len(state.Relics) != 2 || state.Relics[1].Name != "Vajra" {
		t.Errorf("Unexpected relics: %+v", state.Relics)
	}
	if len(state.Potions) != 1 || !state.Potions[0].RequiresTarget {
		t.Errorf("Unexpected potions: %+v", state.Potions)
	}
	if !state.Potions[0].CanUse || !state.Potions[0].CanDiscard {
		t.Errorf("Expected potion defaults can_use/can_discard true: %+v", state.Potions[0])
	}
}

func TestParseStateMessage_CombatState(t *testing.T) {
	message := decode(t, `{"type": "state", "data": {
		"combat_state": {
			"turn": 4,
			"energy": 2,
			"monsters": [
				{"name": "Cultist", "current_hp": 30, "max_hp": 48, "intent": "BUFF"},
				"not a monster"
			],
			"hand": [{"name": "Bash", "cost": 2}]
		}
	}}`)

	state, _ := ParseStateMessage(message)
	if state.CombatState == nil {
		t.Fatal("Expected combat state")
	}
	combat := state.CombatState
	if combat.Turn != 4 || combat.Energy != 2 || combat.MaxEnergy != 3 {
		t.Errorf("Unexpected combat counters: %+v", combat)
	}
	if len(combat.Monsters) != 1 || combat.Monsters[0].Name != "Cultist" {
		t.Errorf("Expected malformed monster skipped, got %+v", combat.Monsters)
	}
	if len(combat.Hand) != 1 || combat.Hand[0].Cost != 2 {
		t.Errorf("Unexpected hand: %+v", combat.Hand)
	}
}

func TestParseStateMessage_MapAndCurrentNode(t *testing.T) {
	message := decode(t, `{"type": "state", "data": {
		"map": [[{"x": 0, "y": 0, "symbol": "M"}, {"x": 1, "y": 0, "symbol": "$"}]],
		"current_node": [1, 0]
	}}`)

	state, _ := ParseStateMessage(message)
	if len(state.Map) != 1 || len(state.Map[0]) != 2 {
		t.Fatalf("Unexpected map shape: %+v", state.Map)
	}
	if state.Map[0][1].Symbol != "$" {
		t.Errorf("Unexpected node symbol: %+v", state.Map[0][1])
	}
	if state.CurrentNode == nil || *state.CurrentNode != [2]int{1, 0} {
		t.Errorf("Unexpected current node: %v", state.CurrentNode)
	}
}
