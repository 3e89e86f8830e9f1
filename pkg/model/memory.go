package model

import (
	"maps"
	"slices"

	"github.com/m-mizutani/goerr/v2"
)

var (
	// ErrDuplicateKey is returned when a memory with the same name already exists
	ErrDuplicateKey = goerr.New("memory already exists")
	// ErrNotFound is returned when a memory with the given name does not exist
	ErrNotFound = goerr.New("memory not found")
	// ErrOracleProtocol is returned when an oracle round-trip fails or its reply does not match the expected schema
	ErrOracleProtocol = goerr.New("oracle protocol error")
)

// Memory is a named textual record. Identity is the name only.
type Memory struct {
	Name        string `json:"name" yaml:"name" firestore:"name" jsonschema:"unique name of the memory"`
	Abstract    string `json:"abstract" yaml:"abstract" firestore:"abstract" jsonschema:"short description of what the memory covers"`
	MemoryBlock string `json:"memory_block" yaml:"memory_block" firestore:"memory_block" jsonschema:"full content of the memory"`
}

// Equal reports whether two memories share the same name.
func (m Memory) Equal(other Memory) bool {
	return m.Name == other.Name
}

// ToAbstract projects the memory to its name and abstract.
func (m Memory) ToAbstract() MemoryAbstract {
	return MemoryAbstract{Name: m.Name, Abstract: m.Abstract}
}

// WithBlock returns a copy of the memory with memory_block replaced.
func (m Memory) WithBlock(block string) Memory {
	m.MemoryBlock = block
	return m
}

// Validate checks the memory has a name
func (m Memory) Validate() error {
	if m.Name == "" {
		return goerr.New("memory name is required", goerr.V("abstract", m.Abstract))
	}
	return nil
}

// MemoryAbstract is a lightweight projection of Memory
type MemoryAbstract struct {
	Name     string `json:"name" yaml:"name" jsonschema:"unique name of the memory"`
	Abstract string `json:"abstract" yaml:"abstract" jsonschema:"short description of what the memory covers"`
}

// Roles used in ChatMessage
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is a single transcript entry
type ChatMessage struct {
	Role string `json:"role" yaml:"role" jsonschema:"speaker of the message such as user or assistant"`
	Text string `json:"text" yaml:"text" jsonschema:"message text"`
}

// RelevanceMap maps memory names to accumulated relevance counts. Absent names count as zero.
type RelevanceMap map[string]int

// Get returns the count for name, zero when absent.
func (r RelevanceMap) Get(name string) int {
	return r[name]
}

// Clone returns an independent copy. A nil map clones to an empty map.
func (r RelevanceMap) Clone() RelevanceMap {
	cloned := make(RelevanceMap, len(r))
	maps.Copy(cloned, r)
	return cloned
}

// Merge adds every delta to the current counts and returns the result as a new map.
func (r RelevanceMap) Merge(delta RelevanceMap) RelevanceMap {
	merged := r.Clone()
	for name, d := range delta {
		merged[name] += d
	}
	return merged
}

// Names returns the names in the map in sorted order
func (r RelevanceMap) Names() []string {
	return slices.Sorted(maps.Keys(r))
}

// FindMemory returns the index of the memory named name in memories, or -1
func FindMemory(memories []Memory, name string) int {
	return slices.IndexFunc(memories, func(m Memory) bool {
		return m.Name == name
	})
}

// Abstracts projects memories to their abstracts, preserving order
func Abstracts(memories []Memory) []MemoryAbstract {
	abstracts := make([]MemoryAbstract, len(memories))
	for i, m := range memories {
		abstracts[i] = m.ToAbstract()
	}
	return abstracts
}
