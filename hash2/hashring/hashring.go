// Package hashring implements a weighted, libketama compatible consistent
// hash ring.  Each server owns a number of ring points proportional to its
// weight; a key belongs to the server owning the first point at or after the
// key's hash, wrapping around at the top of the ring.
package hashring

import (
	"crypto/md5"
	"fmt"
	"math"
	"sort"

	"github.com/futureweb/gomemcache/errors"
)

const (
	// Number of md5 digests per server when all weights are equal.  Each
	// digest yields pointsPerHash ring points.
	hashesPerServer = 40
	pointsPerHash   = 4
)

var ErrEmptyRing = errors.Sentinel("hash ring has no nodes")

// A server placed on the ring.  Zero weight counts as one.
type Server struct {
	Host   string
	Port   int
	Weight uint32
}

// Name is the server identity used both for ring placement and lookups.
func (s Server) Name() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (s Server) weight() uint32 {
	if s.Weight == 0 {
		return 1
	}
	return s.Weight
}

type ringPoint struct {
	hash uint32
	node string
}

type ringPoints []ringPoint

func (p ringPoints) Len() int      { return len(p) }
func (p ringPoints) Swap(i, j int) { p[i], p[j] = p[j], p[i] }
func (p ringPoints) Less(i, j int) bool {
	if p[i].hash != p[j].hash {
		return p[i].hash < p[j].hash
	}
	return p[i].node < p[j].node
}

// An immutable ring.  Use Rebuild to get a ring for a different server set.
type HashRing struct {
	points  ringPoints
	servers []Server
}

// This builds a ring for servers.  Servers listed more than once are merged
// and their weights summed.
func New(servers []Server) *HashRing {
	merged := make([]Server, 0, len(servers))
	index := make(map[string]int, len(servers))
	for _, server := range servers {
		if i, ok := index[server.Name()]; ok {
			merged[i].Weight = merged[i].weight() + server.weight()
			continue
		}
		index[server.Name()] = len(merged)
		merged = append(merged, server)
	}

	ring := &HashRing{servers: merged}
	ring.generateCircle()
	return ring
}

// Rebuild returns a new ring for servers; h is left untouched.
func (h *HashRing) Rebuild(servers []Server) *HashRing {
	return New(servers)
}

func (h *HashRing) generateCircle() {
	totalWeight := uint64(0)
	for _, server := range h.servers {
		totalWeight += uint64(server.weight())
	}

	numServers := float64(len(h.servers))
	h.points = make(ringPoints, 0, len(h.servers)*hashesPerServer*pointsPerHash)
	for _, server := range h.servers {
		numHashes := int(math.Floor(
			float64(server.weight())*hashesPerServer*numServers/
				float64(totalWeight) + 0.0000000001))
		if numHashes < 1 {
			numHashes = 1
		}

		name := server.Name()
		for i := 0; i < numHashes; i++ {
			digest := md5.Sum([]byte(fmt.Sprintf("%s-%d", name, i)))
			for j := 0; j < pointsPerHash; j++ {
				h.points = append(h.points, ringPoint{
					hash: hashVal(digest[j*4 : j*4+4]),
					node: name,
				})
			}
		}
	}

	sort.Sort(h.points)
}

// Len returns the number of points on the ring.
func (h *HashRing) Len() int {
	return len(h.points)
}

// Servers returns the (merged) server list the ring was built from.
func (h *HashRing) Servers() []Server {
	result := make([]Server, len(h.servers))
	copy(result, h.servers)
	return result
}

// PointsFor returns how many ring points name owns.
func (h *HashRing) PointsFor(name string) int {
	count := 0
	for _, p := range h.points {
		if p.node == name {
			count++
		}
	}
	return count
}

// GetNode returns the name of the server owning key.
func (h *HashRing) GetNode(key string) (string, error) {
	if len(h.points) == 0 {
		return "", ErrEmptyRing
	}
	return h.points[h.search(HashKey(key))].node, nil
}

// GetNodes returns every server, ordered clockwise starting at the owner of
// key.  Useful for picking fallbacks.
func (h *HashRing) GetNodes(key string) []string {
	if len(h.points) == 0 {
		return nil
	}

	pos := h.search(HashKey(key))
	seen := make(map[string]bool, len(h.servers))
	result := make([]string, 0, len(h.servers))
	for i := pos; i < pos+len(h.points); i++ {
		node := h.points[i%len(h.points)].node
		if !seen[node] {
			seen[node] = true
			result = append(result, node)
		}
		if len(result) == len(h.servers) {
			break
		}
	}
	return result
}

// Requires len(h.points) > 0.  Returns the first point >= hash, wrapping to
// the first point of the ring.
func (h *HashRing) search(hash uint32) int {
	points := h.points
	pos := sort.Search(len(points), func(i int) bool {
		return points[i].hash >= hash
	})
	if pos == len(points) {
		return 0
	}
	return pos
}

// HashKey returns the ring position of key.
func HashKey(key string) uint32 {
	digest := md5.Sum([]byte(key))
	return hashVal(digest[0:4])
}

func hashVal(bKey []byte) uint32 {
	return (uint32(bKey[3]) << 24) |
		(uint32(bKey[2]) << 16) |
		(uint32(bKey[1]) << 8) |
		uint32(bKey[0])
}
