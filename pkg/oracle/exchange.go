package oracle

import "github.com/m-mizutani/memoria/pkg/model"

// Request and response bodies of the four exchanges. JSON field names are
// the wire contract with the oracle.

type ListMemoriesToUpdateRequest struct {
	ChatHistory []model.ChatMessage    `json:"chat_history" jsonschema:"chat history of the user and the LLM assistant"`
	OldMemory   []model.MemoryAbstract `json:"old_memory" jsonschema:"existing memory blocks, name and abstract only"`
}

type ListMemoriesToUpdateResponse struct {
	MemoriesToUpdate []string `json:"memories_to_update" jsonschema:"names of the memory blocks to update, empty when none"`
}

type UpdateSingleMemoryRequest struct {
	ChatHistory []model.ChatMessage `json:"chat_history" jsonschema:"chat history of the user and the LLM assistant"`
	OldMemory   model.Memory        `json:"old_memory" jsonschema:"the memory block to rewrite"`
}

type UpdateSingleMemoryResponse struct {
	NewMemoryBlock string `json:"new_memory_block" jsonschema:"complete new content of the memory block"`
}

type ExtractNewMemoriesRequest struct {
	CurrentMemories []model.MemoryAbstract `json:"current_memories" jsonschema:"existing memory blocks, name and abstract only"`
	ChatHistory     []model.ChatMessage    `json:"chat_history" jsonschema:"chat history of the user and the LLM assistant"`
}

type ExtractNewMemoriesResponse struct {
	NewMemories []model.Memory `json:"new_memories" jsonschema:"memory blocks to create, empty when none"`
}

type FindAssociatedMemoriesRequest struct {
	CurrentMemories []model.MemoryAbstract `json:"current_memories" jsonschema:"existing memory blocks, name and abstract only"`
	ChatMessages    []model.ChatMessage    `json:"chat_messages" jsonschema:"recent chat messages"`
}

type FindAssociatedMemoriesResponse struct {
	AssociatedMemories []string `json:"associated_memories" jsonschema:"names of the relevant memory blocks, empty when none"`
}

// Exchange names, also used as metric labels
const (
	ExchangeListMemoriesToUpdate   = "list_memories_to_update"
	ExchangeUpdateSingleMemory     = "update_single_memory"
	ExchangeExtractNewMemories     = "extract_new_memories"
	ExchangeFindAssociatedMemories = "find_associated_memories"
)
