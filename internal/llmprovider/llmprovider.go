// Package llmprovider implements the Provider Registry (C8): a durable,
// Mongo-backed catalog of LLM providers with encrypted-at-rest API keys and
// default-provider invariants enforced under a collection-scoped lock.
package llmprovider

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/crypto/pbkdf2"

	"github.com/google/uuid"

	"github.com/fleetops/platform/internal/apperr"
)

// Type is the provider wire-protocol family (spec §3).
type Type string

const (
	TypeOpenAI    Type = "openai"
	TypeAnthropic Type = "anthropic"
	TypeGoogle    Type = "google"
	TypeOllama    Type = "ollama"
	TypeCustom    Type = "custom"
)

// Purpose selects which default slot a provider can occupy.
type Purpose string

const (
	PurposeChat     Purpose = "chat"
	PurposeWorkflow Purpose = "workflow"
	PurposeBoth     Purpose = "both"
)

type Config struct {
	APIKey       string            `bson:"apiKey" json:"apiKey,omitempty"`
	BaseURL      string            `bson:"baseUrl" json:"baseUrl"`
	Organization string            `bson:"organization,omitempty" json:"organization,omitempty"`
	Headers      map[string]string `bson:"headers,omitempty" json:"headers,omitempty"`
	TimeoutSec   int               `bson:"timeout,omitempty" json:"timeout,omitempty"`
}

type Defaults struct {
	ForChat     bool `bson:"forChat" json:"forChat"`
	ForWorkflow bool `bson:"forWorkflow" json:"forWorkflow"`
}

type Provider struct {
	ID        string    `bson:"_id" json:"id"`
	Name      string    `bson:"name" json:"name"`
	Type      Type      `bson:"type" json:"type"`
	Purpose   Purpose   `bson:"purpose" json:"purpose"`
	Config    Config    `bson:"config" json:"config"`
	Models    []string  `bson:"models" json:"models"`
	IsActive  bool      `bson:"isActive" json:"isActive"`
	IsDefault Defaults  `bson:"isDefault" json:"isDefault"`
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`
}

// redacted returns a copy with APIKey cleared — API responses never echo it
// back, even encrypted (spec §4.8).
func (p Provider) redacted() Provider {
	p.Config.APIKey = ""
	return p
}

// Registry is backed by a single Mongo collection keyed by UUID, with a
// unique index on name. Default-provider invariant enforcement happens
// under mu rather than a real multi-document transaction, since
// standalone Mongo deployments don't guarantee one (spec §4.8).
type Registry struct {
	collection *mongo.Collection
	cipherKey  []byte

	mu sync.Mutex // serializes SetDefault transitions
}

// EnsureIndexes creates the unique name index; call once at startup.
func EnsureIndexes(ctx context.Context, collection *mongo.Collection) error {
	_, err := collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// New derives a 32-byte AES-256 key from secret via PBKDF2, matching the
// teacher's key-derivation idiom in internal/security/token_broker.go
// (HMAC secret handling) generalized to symmetric encryption here.
func New(collection *mongo.Collection, secret string) *Registry {
	key := pbkdf2.Key([]byte(secret), []byte("fleetops-llmprovider-salt"), 100_000, 32, sha256.New)
	return &Registry{collection: collection, cipherKey: key}
}

func (r *Registry) encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	block, err := aes.NewCipher(r.cipherKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (r *Registry) decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(r.cipherKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", errors.New("llmprovider: ciphertext too short")
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// List returns providers with the API key redacted (read path per spec §4.8).
func (r *Registry) List(ctx context.Context) ([]Provider, error) {
	cursor, err := r.collection.Find(ctx, bson.M{})
	if err != nil {
		return nil, apperr.Internal("list providers", err)
	}
	defer cursor.Close(ctx)

	var providers []Provider
	if err := cursor.All(ctx, &providers); err != nil {
		return nil, apperr.Internal("decode providers", err)
	}
	for i := range providers {
		providers[i] = providers[i].redacted()
	}
	return providers, nil
}

func (r *Registry) GetByID(ctx context.Context, id string) (*Provider, error) {
	var p Provider
	if err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&p); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperr.NotFound("provider")
		}
		return nil, apperr.Internal("get provider", err)
	}
	redacted := p.redacted()
	return &redacted, nil
}

// getDecrypted is used only by the Dispatcher — never by API-facing reads.
func (r *Registry) getDecrypted(ctx context.Context, id string) (*Provider, error) {
	var p Provider
	if err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&p); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperr.NotFound("provider")
		}
		return nil, apperr.Internal("get provider", err)
	}
	key, err := r.decrypt(p.Config.APIKey)
	if err != nil {
		return nil, apperr.Internal("decrypt provider api key", err)
	}
	p.Config.APIKey = key
	return &p, nil
}

// GetDecrypted exposes getDecrypted to the Dispatcher package.
func (r *Registry) GetDecrypted(ctx context.Context, id string) (*Provider, error) {
	return r.getDecrypted(ctx, id)
}

func (r *Registry) Create(ctx context.Context, p Provider) (*Provider, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, apperr.Internal("generate provider id", err)
	}
	encKey, err := r.encrypt(p.Config.APIKey)
	if err != nil {
		return nil, apperr.Internal("encrypt provider api key", err)
	}

	now := time.Now().UTC()
	p.ID = id.String()
	p.Config.APIKey = encKey
	p.CreatedAt = now
	p.UpdatedAt = now
	if !p.IsActive {
		p.IsActive = true
	}

	if _, err := r.collection.InsertOne(ctx, p); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, apperr.Conflict("provider name already exists")
		}
		return nil, apperr.Internal("create provider", err)
	}
	out := p.redacted()
	return &out, nil
}

func (r *Registry) Update(ctx context.Context, id string, patch map[string]any) (*Provider, error) {
	if rawKey, ok := patch["apiKey"].(string); ok {
		enc, err := r.encrypt(rawKey)
		if err != nil {
			return nil, apperr.Internal("encrypt provider api key", err)
		}
		patch["config.apiKey"] = enc
		delete(patch, "apiKey")
	}
	patch["updatedAt"] = time.Now().UTC()

	result := r.collection.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": patch},
		options.FindOneAndUpdate().SetReturnDocument(options.After))

	var p Provider
	if err := result.Decode(&p); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperr.NotFound("provider")
		}
		return nil, apperr.Internal("update provider", err)
	}
	out := p.redacted()
	return &out, nil
}

func (r *Registry) Delete(ctx context.Context, id string) error {
	res, err := r.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return apperr.Internal("delete provider", err)
	}
	if res.DeletedCount == 0 {
		return apperr.NotFound("provider")
	}
	return nil
}

// SetDefault clears isDefault.for<purpose> on every row, then sets it on
// id — a two-phase sequence serialized by r.mu standing in for a true
// transaction (spec §4.8).
func (r *Registry) SetDefault(ctx context.Context, id string, purpose Purpose) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	field := "isDefault.forChat"
	if purpose == PurposeWorkflow {
		field = "isDefault.forWorkflow"
	}

	if _, err := r.collection.UpdateMany(ctx, bson.M{}, bson.M{"$set": bson.M{field: false}}); err != nil {
		return apperr.Internal("clear default providers", err)
	}
	res, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{field: true, "updatedAt": time.Now().UTC()}})
	if err != nil {
		return apperr.Internal("set default provider", err)
	}
	if res.MatchedCount == 0 {
		return apperr.NotFound("provider")
	}
	return nil
}

func (r *Registry) ListByPurpose(ctx context.Context, purpose Purpose) ([]Provider, error) {
	filter := bson.M{"isActive": true, "$or": []bson.M{{"purpose": purpose}, {"purpose": PurposeBoth}}}
	cursor, err := r.collection.Find(ctx, filter)
	if err != nil {
		return nil, apperr.Internal("list providers by purpose", err)
	}
	defer cursor.Close(ctx)

	var providers []Provider
	if err := cursor.All(ctx, &providers); err != nil {
		return nil, apperr.Internal("decode providers", err)
	}
	for i := range providers {
		providers[i] = providers[i].redacted()
	}
	return providers, nil
}

func (r *Registry) GetDefault(ctx context.Context, purpose Purpose) (*Provider, error) {
	field := "isDefault.forChat"
	if purpose == PurposeWorkflow {
		field = "isDefault.forWorkflow"
	}
	var p Provider
	if err := r.collection.FindOne(ctx, bson.M{field: true, "isActive": true}).Decode(&p); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperr.NotFound("default provider")
		}
		return nil, apperr.Internal("get default provider", err)
	}
	out := p.redacted()
	return &out, nil
}

// Bootstrap seeds a provider from environment-provisioned credentials if
// the collection is empty (spec §4.8 bootstrap).
func (r *Registry) Bootstrap(ctx context.Context, seed *Provider) error {
	count, err := r.collection.CountDocuments(ctx, bson.M{})
	if err != nil {
		return apperr.Internal("count providers", err)
	}
	if count > 0 || seed == nil {
		return nil
	}

	seed.IsDefault = Defaults{ForChat: true, ForWorkflow: true}
	_, err = r.Create(ctx, *seed)
	return err
}
