// models/parse.go
package models

import (
	"fmt"
	"time"

	"github.com/danielstarman/slay-the-spire-mcp-sub000/logger"
)

// ParseStateMessage extracts a GameState from a decoded bridge message.
// Two envelope shapes are accepted:
//
//	{"in_game": bool, "game_state": {...}}   preferred
//	{"type": "state", "data": {...}}         legacy
//
// Any other shape returns (nil, false); callers treat that as a
// non-state message, not an error.
func ParseStateMessage(message map[string]any) (*GameState, bool) {
	if gs, ok := message["game_state"].(map[string]any); ok {
		state := parseGameState(gs)
		// in_game resolves from the top level first, then from
		// inside game_state.
		if inGame, ok := asBool(message["in_game"]); ok {
			state.InGame = inGame
		}
		return state, true
	}

	if t, _ := message["type"].(string); t == "state" {
		data, ok := message["data"].(map[string]any)
		if !ok || len(data) == 0 {
			return nil, false
		}
		return parseGameState(data), true
	}

	return nil, false
}

func parseGameState(data map[string]any) *GameState {
	state := &GameState{
		ScreenType: stringOr(data, "screen_type", "NONE"),
		Floor:      intOr(data, "floor", 0),
		Act:        intOr(data, "act", 1),
		ActBoss:    stringOr(data, "act_boss", ""),
		Gold:       intOr(data, "gold", 0),
		MaxHP:      intOr(data, "max_hp", 0),
		ReceivedAt: time.Now(),
	}

	if inGame, ok := asBool(data["in_game"]); ok {
		state.InGame = inGame
	}
	if seed, ok := asInt64(data["seed"]); ok {
		state.Seed = &seed
	}

	// 兼容字段: current_hp 优先于 hp, block 优先于 current_block
	if hp, ok := asInt(data["current_hp"]); ok {
		state.HP = hp
	} else {
		state.HP = intOr(data, "hp", 0)
	}
	if block, ok := asInt(data["block"]); ok {
		state.CurrentBlock = block
	} else {
		state.CurrentBlock = intOr(data, "current_block", 0)
	}

	state.ScreenState = normalizeScreenState(data["screen_state"])
	state.Deck = parseCards(data["deck"], "deck")
	state.Relics = parseRelics(data["relics"])
	state.Potions = parsePotions(data["potions"])
	state.ChoiceList = parseStrings(data["choice_list"])

	if combat, ok := data["combat_state"].(map[string]any); ok {
		state.CombatState = parseCombatState(combat)
	}
	if rawMap, ok := data["map"].([]any); ok {
		state.Map = parseMap(rawMap)
	}
	if node, ok := asIntPair(data["current_node"]); ok {
		state.CurrentNode = &node
	}

	return state
}

// normalizeScreenState handles the mod sometimes sending a bare string
// (e.g. "COMBAT") where an object is expected.
func normalizeScreenState(raw any) map[string]any {
	switch v := raw.(type) {
	case string:
		if v == "" {
			return map[string]any{}
		}
		return map[string]any{"name": v}
	case map[string]any:
		return v
	default:
		return map[string]any{}
	}
}

// parseCards parses a card collection element by element. A malformed
// element is skipped with a warning; a bare string is accepted as a
// minimal named card.
func parseCards(raw any, pile string) []Card {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	cards := make([]Card, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case map[string]any:
			cards = append(cards, Card{
				Name:     stringOr(v, "name", ""),
				Cost:     intOr(v, "cost", 0),
				Type:     stringOr(v, "type", "UNKNOWN"),
				Upgrades: intOr(v, "upgrades", 0),
				ID:       stringOr(v, "id", ""),
				Exhausts: boolOr(v, "exhausts"),
				Ethereal: boolOr(v, "ethereal"),
			})
		case string:
			cards = append(cards, Card{Name: v, Type: "UNKNOWN"})
		default:
			logger.Log.Warnf("Skipping malformed %s entry: %v", pile, item)
		}
	}
	return cards
}

func parseRelics(raw any) []Relic {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	relics := make([]Relic, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case map[string]any:
			relics = append(relics, Relic{
				Name:    stringOr(v, "name", ""),
				ID:      stringOr(v, "id", ""),
				Counter: intOr(v, "counter", -1),
			})
		case string:
			relics = append(relics, Relic{Name: v, Counter: -1})
		default:
			logger.Log.Warnf("Skipping malformed relic entry: %v", item)
		}
	}
	return relics
}

func parsePotions(raw any) []Potion {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	potions := make([]Potion, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case map[string]any:
			potions = append(potions, Potion{
				Name:           stringOr(v, "name", ""),
				ID:             stringOr(v, "id", ""),
				CanUse:         boolOrDefault(v, "can_use", true),
				CanDiscard:     boolOrDefault(v, "can_discard", true),
				RequiresTarget: boolOr(v, "requires_target"),
			})
		case string:
			potions = append(potions, Potion{Name: v, CanUse: true, CanDiscard: true})
		default:
			logger.Log.Warnf("Skipping malformed potion entry: %v", item)
		}
	}
	return potions
}

func parseCombatState(data map[string]any) *CombatState {
	combat := &CombatState{
		Turn:        intOr(data, "turn", 0),
		Energy:      intOr(data, "energy", 0),
		MaxEnergy:   intOr(data, "max_energy", 3),
		PlayerBlock: intOr(data, "player_block", 0),
		Hand:        parseCards(data["hand"], "hand"),
		DrawPile:    parseCards(data["draw_pile"], "draw_pile"),
		DiscardPile: parseCards(data["discard_pile"], "discard_pile"),
		ExhaustPile: parseCards(data["exhaust_pile"], "exhaust_pile"),
	}
	combat.PlayerPowers = parsePowers(data["player_powers"])

	if monsters, ok := data["monsters"].([]any); ok {
		combat.Monsters = make([]Monster, 0, len(monsters))
		for _, item := range monsters {
			m, ok := item.(map[string]any)
			if !ok {
				logger.Log.Warnf("Skipping malformed monster entry: %v", item)
				continue
			}
			combat.Monsters = append(combat.Monsters, Monster{
				Name:      stringOr(m, "name", ""),
				ID:        stringOr(m, "id", ""),
				CurrentHP: intOr(m, "current_hp", 0),
				MaxHP:     intOr(m, "max_hp", 0),
				Block:     intOr(m, "block", 0),
				Intent:    stringOr(m, "intent", "UNKNOWN"),
				IsGone:    boolOr(m, "is_gone"),
				HalfDead:  boolOr(m, "half_dead"),
				Powers:    parsePowers(m["powers"]),
			})
		}
	}
	return combat
}

func parsePowers(raw any) []map[string]any {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	powers := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if p, ok := item.(map[string]any); ok {
			powers = append(powers, p)
		}
	}
	return powers
}

func parseMap(rows []any) [][]MapNode {
	parsed := make([][]MapNode, 0, len(rows))
	for _, rawRow := range rows {
		row, ok := rawRow.([]any)
		if !ok {
			continue
		}
		nodes := make([]MapNode, 0, len(row))
		for _, rawNode := range row {
			n, ok := rawNode.(map[string]any)
			if !ok {
				continue
			}
			node := MapNode{
				X:      intOr(n, "x", 0),
				Y:      intOr(n, "y", 0),
				Symbol: stringOr(n, "symbol", "?"),
			}
			if children, ok := n["children"].([]any); ok {
				for _, rawChild := range children {
					if pair, ok := asIntPair(rawChild); ok {
						node.Children = append(node.Children, pair)
					}
				}
			}
			nodes = append(nodes, node)
		}
		parsed = append(parsed, nodes)
	}
	return parsed
}

func parseStrings(raw any) []string {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		default:
			out = append(out, fmt.Sprintf("%v", v))
		}
	}
	return out
}

// JSON numbers decode as float64; these helpers tolerate both.

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asIntPair(v any) ([2]int, bool) {
	pair, ok := v.([]any)
	if !ok || len(pair) != 2 {
		return [2]int{}, false
	}
	x, okX := asInt(pair[0])
	y, okY := asInt(pair[1])
	if !okX || !okY {
		return [2]int{}, false
	}
	return [2]int{x, y}, true
}

func intOr(m map[string]any, key string, def int) int {
	if n, ok := asInt(m[key]); ok {
		return n
	}
	return def
}

func stringOr(m map[string]any, key, def string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return def
}

func boolOr(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func boolOrDefault(m map[string]any, key string, def bool) bool {
	if b, ok := m[key].(bool); ok {
		return b
	}
	return def
}
