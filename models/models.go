// models/models.go
package models

import (
	"time"
)

// Card 卡牌数据模型
type Card struct {
	Name     string `json:"name"`
	Cost     int    `json:"cost"`
	Type     string `json:"type"`
	Upgrades int    `json:"upgrades"`
	ID       string `json:"id,omitempty"`
	Exhausts bool   `json:"exhausts"`
	Ethereal bool   `json:"ethereal"`
}

// Relic 遗物数据模型
type Relic struct {
	Name    string `json:"name"`
	ID      string `json:"id,omitempty"`
	Counter int    `json:"counter"`
}

// Potion 药水数据模型
type Potion struct {
	Name           string `json:"name"`
	ID             string `json:"id,omitempty"`
	CanUse         bool   `json:"can_use"`
	CanDiscard     bool   `json:"can_discard"`
	RequiresTarget bool   `json:"requires_target"`
}

// Monster 战斗中的敌人
type Monster struct {
	Name      string           `json:"name"`
	ID        string           `json:"id,omitempty"`
	CurrentHP int              `json:"current_hp"`
	MaxHP     int              `json:"max_hp"`
	Block     int              `json:"block"`
	Intent    string           `json:"intent"`
	IsGone    bool             `json:"is_gone"`
	HalfDead  bool             `json:"half_dead"`
	Powers    []map[string]any `json:"powers,omitempty"`
}

// MapNode 地图节点
type MapNode struct {
	X        int      `json:"x"`
	Y        int      `json:"y"`
	Symbol   string   `json:"symbol"`
	Children [][2]int `json:"children,omitempty"`
}

// CombatState 战斗状态（仅战斗中存在）
type CombatState struct {
	Turn         int              `json:"turn"`
	Monsters     []Monster        `json:"monsters"`
	Hand         []Card           `json:"hand"`
	DrawPile     []Card           `json:"draw_pile"`
	DiscardPile  []Card           `json:"discard_pile"`
	ExhaustPile  []Card           `json:"exhaust_pile"`
	Energy       int              `json:"energy"`
	MaxEnergy    int              `json:"max_energy"`
	PlayerBlock  int              `json:"player_block"`
	PlayerPowers []map[string]any `json:"player_powers,omitempty"`
}

// GameState 完整游戏状态快照
//
// Constructed once per inbound message and never mutated afterwards;
// each update installs a new snapshot, it never patches the old one.
type GameState struct {
	InGame     bool   `json:"in_game"`
	ScreenType string `json:"screen_type"`

	Floor   int    `json:"floor"`
	Act     int    `json:"act"`
	ActBoss string `json:"act_boss,omitempty"`
	Seed    *int64 `json:"seed,omitempty"`

	HP           int `json:"hp"`
	MaxHP        int `json:"max_hp"`
	Gold         int `json:"gold"`
	CurrentBlock int `json:"current_block"`

	Deck    []Card   `json:"deck"`
	Relics  []Relic  `json:"relics"`
	Potions []Potion `json:"potions"`

	ChoiceList  []string       `json:"choice_list"`
	ScreenState map[string]any `json:"screen_state"`

	CombatState *CombatState `json:"combat_state,omitempty"`

	Map         [][]MapNode `json:"map,omitempty"`
	CurrentNode *[2]int     `json:"current_node,omitempty"`

	ReceivedAt time.Time `json:"-"`
}
