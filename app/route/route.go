package route

import (
	"strings"

	"go-meshcore-gateway/app/contacts"
	"go-meshcore-gateway/app/models"

	"go.uber.org/zap"
)

// Source names the evidence a route's hops came from.
type Source string

const (
	SourceRxLog          Source = "rx_log"
	SourceContactOutPath Source = "contact_out_path"
	SourceNone           Source = "none"
)

// Lookup is the live contact directory.
type Lookup interface {
	ByPrefix(prefix string) (models.Contact, bool)
	ByName(name string) (models.Contact, bool)
}

// Route describes how a message travelled from its sender to this node.
type Route struct {
	Sender         *models.RouteNode  `json:"sender"`
	Self           models.RouteNode   `json:"self"`
	PathNodes      []models.RouteNode `json:"pathNodes"`
	SNR            *float64           `json:"snr,omitempty"`
	MsgPathLen     int                `json:"msgPathLen"`
	UnresolvedHops int                `json:"unresolvedHops"` // placeholders when no hop is known
	HasLocations   bool               `json:"hasLocations"`
	PathSource     Source             `json:"pathSource"`
}

// Resolver builds routes from in-memory contact data only; it never talks
// to the radio.
type Resolver struct {
	live Lookup
	log  *zap.Logger
}

// NewResolver creates a resolver backed by the live directory.
func NewResolver(live Lookup, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{live: live, log: log.Named("route")}
}

// Build resolves the route of msg. snapshot is a point-in-time copy of the
// contacts used for hop resolution and the last sender fallbacks.
func (r *Resolver) Build(msg models.Message, self models.RouteNode, snapshot map[string]models.Contact) Route {
	if self.Name == "" {
		self.Name = "Me"
	}
	rt := Route{
		Self:       self,
		PathNodes:  []models.RouteNode{},
		SNR:        msg.SNR,
		MsgPathLen: msg.PathLen,
		PathSource: SourceNone,
	}

	sender, contact := r.resolveSender(msg, snapshot)
	rt.Sender = sender

	switch {
	case len(msg.PathHashes) > 0:
		rt.PathNodes = resolveHashes(msg.PathHashes, snapshot, msg.PathNames)
		rt.PathSource = SourceRxLog
	case contact != nil && contact.OutPathLen > 0 && contact.OutPath != "":
		rt.PathNodes = resolveHashes(contact.OutPathHashes(), snapshot, nil)
		rt.PathSource = SourceContactOutPath
	}
	if len(rt.PathNodes) == 0 && msg.PathLen > 0 && msg.PathLen != models.UnknownPathLen {
		rt.UnresolvedHops = msg.PathLen
	}

	rt.HasLocations = self.HasLocation() || (sender != nil && sender.HasLocation())
	for _, n := range rt.PathNodes {
		if n.HasLocation() {
			rt.HasLocations = true
			break
		}
	}

	r.log.Debug("route built",
		zap.String("hash", msg.MessageHash),
		zap.String("source", string(rt.PathSource)),
		zap.Int("hops", len(rt.PathNodes)),
		zap.Bool("sender_known", sender != nil))
	return rt
}

// resolveSender walks the cascade: live prefix, live name, snapshot key,
// snapshot name.
func (r *Resolver) resolveSender(msg models.Message, snapshot map[string]models.Contact) (*models.RouteNode, *models.Contact) {
	pubkey := msg.SenderPubKey

	if pubkey != "" && r.live != nil {
		if c, ok := r.live.ByPrefix(pubkey); ok {
			return senderNode(c, pubkey, shortKey(pubkey)), &c
		}
	}
	if msg.Sender != "" && r.live != nil {
		if c, ok := r.live.ByName(msg.Sender); ok {
			return senderNode(c, c.PublicKey, shortKey(c.PublicKey)), &c
		}
	}
	if pubkey != "" {
		if _, c, ok := contacts.ScanByKey(snapshot, pubkey); ok {
			return senderNode(c, pubkey, shortKey(pubkey)), &c
		}
	}
	if msg.Sender != "" {
		if key, c, ok := contacts.ScanByName(snapshot, msg.Sender); ok {
			return senderNode(c, key, msg.Sender), &c
		}
	}
	return nil, nil
}

func senderNode(c models.Contact, pubkey, fallbackName string) *models.RouteNode {
	name := c.AdvName
	if name == "" {
		name = fallbackName
	}
	return &models.RouteNode{
		Name:   name,
		Lat:    c.AdvLat,
		Lon:    c.AdvLon,
		Type:   c.Type,
		PubKey: pubkey,
	}
}

// resolveHashes turns hop hashes into nodes. Unknown hops take the name
// stored at receive time, else the upper-cased hash.
func resolveHashes(hashes []string, snapshot map[string]models.Contact, stored []string) []models.RouteNode {
	nodes := make([]models.RouteNode, 0, len(hashes))
	for i, h := range hashes {
		if len(h) < 2 {
			continue
		}
		if c, ok := contacts.ScanByHash(snapshot, h); ok {
			name := c.AdvName
			if name == "" {
				name = "0x" + h
			}
			nodes = append(nodes, models.RouteNode{
				Name:   name,
				Lat:    c.AdvLat,
				Lon:    c.AdvLon,
				Type:   c.Type,
				PubKey: h,
			})
			continue
		}

		name := ""
		if i < len(stored) {
			name = stored[i]
		}
		if name == "" || name == "-" {
			name = "0x" + strings.ToUpper(h)
		}
		nodes = append(nodes, models.RouteNode{Name: name, PubKey: h})
	}
	return nodes
}

func shortKey(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}
