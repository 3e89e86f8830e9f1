package repository

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoria/pkg/model"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore implements Repository with a Firestore collection
type Firestore struct {
	client     *firestore.Client
	collection string
}

type FirestoreOption func(*Firestore)

// WithCollection sets the collection name. Default is "memories".
func WithCollection(name string) FirestoreOption {
	return func(f *Firestore) {
		f.collection = name
	}
}

type firestoreMemory struct {
	Name        string    `firestore:"name"`
	Abstract    string    `firestore:"abstract"`
	MemoryBlock string    `firestore:"memory_block"`
	CreatedAt   time.Time `firestore:"created_at"`
	UpdatedAt   time.Time `firestore:"updated_at"`
}

func (x *firestoreMemory) toModel() *model.Memory {
	return &model.Memory{
		Name:        x.Name,
		Abstract:    x.Abstract,
		MemoryBlock: x.MemoryBlock,
	}
}

// NewFirestore creates a new Firestore repository
func NewFirestore(ctx context.Context, projectID, databaseID string, opts ...FirestoreOption) (*Firestore, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project_id", projectID),
			goerr.V("database_id", databaseID))
	}

	f := &Firestore{
		client:     client,
		collection: "memories",
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Close closes the underlying client
func (f *Firestore) Close() error {
	return f.client.Close()
}

// docID maps a memory name to a document ID. Names may contain characters Firestore rejects in IDs.
func docID(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

func (f *Firestore) doc(name string) *firestore.DocumentRef {
	return f.client.Collection(f.collection).Doc(docID(name))
}

func (f *Firestore) Add(ctx context.Context, memory model.Memory) error {
	if err := memory.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err := f.doc(memory.Name).Create(ctx, &firestoreMemory{
		Name:        memory.Name,
		Abstract:    memory.Abstract,
		MemoryBlock: memory.MemoryBlock,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if status.Code(err) == codes.AlreadyExists {
		return goerr.Wrap(model.ErrDuplicateKey, "failed to add memory", goerr.V("name", memory.Name))
	}
	if err != nil {
		return goerr.Wrap(err, "failed to create memory document", goerr.V("name", memory.Name))
	}
	return nil
}

func (f *Firestore) Remove(ctx context.Context, name string) error {
	_, err := f.doc(name).Delete(ctx, firestore.Exists)
	if status.Code(err) == codes.NotFound {
		return goerr.Wrap(model.ErrNotFound, "failed to remove memory", goerr.V("name", name))
	}
	if err != nil {
		return goerr.Wrap(err, "failed to delete memory document", goerr.V("name", name))
	}
	return nil
}

func (f *Firestore) Update(ctx context.Context, memory model.Memory) error {
	_, err := f.doc(memory.Name).Update(ctx, []firestore.Update{
		{Path: "abstract", Value: memory.Abstract},
		{Path: "memory_block", Value: memory.MemoryBlock},
		{Path: "updated_at", Value: time.Now().UTC()},
	})
	if status.Code(err) == codes.NotFound {
		return goerr.Wrap(model.ErrNotFound, "failed to update memory", goerr.V("name", memory.Name))
	}
	if err != nil {
		return goerr.Wrap(err, "failed to update memory document", goerr.V("name", memory.Name))
	}
	return nil
}

func (f *Firestore) FetchByName(ctx context.Context, name string) (*model.Memory, error) {
	snap, err := f.doc(name).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get memory document", goerr.V("name", name))
	}

	var doc firestoreMemory
	if err := snap.DataTo(&doc); err != nil {
		return nil, goerr.Wrap(err, "failed to decode memory document", goerr.V("name", name))
	}
	return doc.toModel(), nil
}

func (f *Firestore) FetchAllAbstracts(ctx context.Context) ([]model.MemoryAbstract, error) {
	iter := f.client.Collection(f.collection).
		Select("name", "abstract").
		OrderBy("created_at", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var abstracts []model.MemoryAbstract
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate memory documents")
		}

		var doc firestoreMemory
		if err := snap.DataTo(&doc); err != nil {
			return nil, goerr.Wrap(err, "failed to decode memory document", goerr.V("id", snap.Ref.ID))
		}
		abstracts = append(abstracts, model.MemoryAbstract{Name: doc.Name, Abstract: doc.Abstract})
	}
	return abstracts, nil
}
