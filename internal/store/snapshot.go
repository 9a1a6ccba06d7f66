package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"marketsim/pkg/types"
)

const snapshotFile = "world.json"

// persistedAgent carries the secrets that the public Agent JSON deliberately
// omits. Snapshots live on the engine's own disk, never on the wire.
type persistedAgent struct {
	types.Agent
	WebhookSecret string `json:"webhookSecret,omitempty"`
	APISecret     string `json:"apiSecret,omitempty"`
}

// snapshot is the on-disk document.
type snapshot struct {
	World          types.WorldState      `json:"world"`
	Agents         []persistedAgent      `json:"agents"`
	Companies      []types.Company       `json:"companies"`
	Orders         []types.Order         `json:"orders"`
	Holdings       []types.Holding       `json:"holdings"`
	Trades         []types.Trade         `json:"trades"`
	News           []types.News          `json:"news"`
	Messages       []types.Message       `json:"messages"`
	Events         []types.MarketEvent   `json:"events"`
	Investigations []types.Investigation `json:"investigations"`
	Alliances      []types.Alliance      `json:"alliances"`
	ActionLog      []ActionLogEntry      `json:"actionLog"`
}

// Save writes the full state to dir/world.json atomically: marshal to a
// temp file in the same directory, fsync, then rename over the target.
func (s *MemStore) Save(dir string) error {
	s.mu.RLock()
	doc := s.buildSnapshot()
	s.mu.RUnlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(dir, snapshotFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, snapshotFile)); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

func (s *MemStore) buildSnapshot() snapshot {
	doc := snapshot{World: s.world}
	for _, a := range s.agents {
		doc.Agents = append(doc.Agents, persistedAgent{
			Agent:         *a,
			WebhookSecret: a.WebhookSecret,
			APISecret:     a.APISecret,
		})
	}
	for _, c := range s.companies {
		doc.Companies = append(doc.Companies, *c)
	}
	for _, id := range s.orderSeq {
		doc.Orders = append(doc.Orders, *s.orders[id])
	}
	for _, byAgent := range s.holdings {
		for _, h := range byAgent {
			doc.Holdings = append(doc.Holdings, *h)
		}
	}
	doc.Trades = append(doc.Trades, s.trades...)
	doc.News = append(doc.News, s.news...)
	doc.Messages = append(doc.Messages, s.messages...)
	doc.Events = append(doc.Events, s.events...)
	for _, inv := range s.investigations {
		doc.Investigations = append(doc.Investigations, *inv)
	}
	for _, al := range s.alliances {
		doc.Alliances = append(doc.Alliances, *al)
	}
	doc.ActionLog = append(doc.ActionLog, s.actionLog...)
	return doc
}

// Load replaces the store's contents from dir/world.json. A missing file is
// not an error; the store simply starts empty.
func (s *MemStore) Load(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, snapshotFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read snapshot: %w", err)
	}

	var doc snapshot
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("unmarshal snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.world = doc.World
	s.agents = make(map[string]*types.Agent, len(doc.Agents))
	for _, pa := range doc.Agents {
		a := pa.Agent
		a.WebhookSecret = pa.WebhookSecret
		a.APISecret = pa.APISecret
		s.agents[a.ID] = &a
	}
	s.companies = make(map[string]*types.Company, len(doc.Companies))
	for i := range doc.Companies {
		c := doc.Companies[i]
		s.companies[c.Symbol] = &c
	}
	s.orders = make(map[string]*types.Order, len(doc.Orders))
	s.orderSeq = s.orderSeq[:0]
	for i := range doc.Orders {
		o := doc.Orders[i]
		s.orders[o.ID] = &o
		s.orderSeq = append(s.orderSeq, o.ID)
	}
	s.holdings = make(map[string]map[string]*types.Holding)
	for i := range doc.Holdings {
		h := doc.Holdings[i]
		if s.holdings[h.AgentID] == nil {
			s.holdings[h.AgentID] = make(map[string]*types.Holding)
		}
		s.holdings[h.AgentID][h.Symbol] = &h
	}
	s.trades = doc.Trades
	s.news = doc.News
	s.messages = doc.Messages
	s.events = doc.Events
	s.investigations = make(map[string]*types.Investigation, len(doc.Investigations))
	for i := range doc.Investigations {
		inv := doc.Investigations[i]
		s.investigations[inv.ID] = &inv
	}
	s.alliances = make(map[string]*types.Alliance, len(doc.Alliances))
	for i := range doc.Alliances {
		al := doc.Alliances[i]
		s.alliances[al.ID] = &al
	}
	s.actionLog = doc.ActionLog
	return nil
}
