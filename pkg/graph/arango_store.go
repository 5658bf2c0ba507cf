package graph

import (
	"context"
	"time"

	"github.com/arangodb/go-driver/v2/arangodb"
	"github.com/arangodb/go-driver/v2/connection"
	"go.uber.org/zap"

	"github.com/orneryd/organicdb/pkg/errors"
	"github.com/orneryd/organicdb/pkg/logging"
)

// ArangoDB collection names.
const (
	entitiesCollection = "entities"
	modulesCollection  = "modules"
	patternsCollection = "attribute_patterns"
	containsCollection = "contains"
)

// ArangoConfig holds ArangoDB connection settings.
type ArangoConfig struct {
	URL      string
	Username string
	Password string
	Database string
}

// Validate checks the required fields.
func (c ArangoConfig) Validate() error {
	if c.URL == "" {
		return errors.Wrap(errors.ErrInvalidInput, "arangodb URL is required")
	}
	if c.Username == "" {
		return errors.Wrap(errors.ErrInvalidInput, "arangodb username is required")
	}
	if c.Database == "" {
		return errors.Wrap(errors.ErrInvalidInput, "arangodb database name is required")
	}
	return nil
}

// ArangoStore implements Store with AQL queries against ArangoDB.
//
// Documents live in the entities, modules and attribute_patterns
// collections; explicit membership lives in the contains edge collection
// (_from modules/<id>, _to entities/<id>).
type ArangoStore struct {
	client arangodb.Client
	db     arangodb.Database
	cfg    ArangoConfig
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewArangoStore connects to ArangoDB, creating the database and
// collections when they do not exist yet.
func NewArangoStore(ctx context.Context, cfg ArangoConfig, logger *zap.SugaredLogger) (*ArangoStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "arangodb config")
	}

	endpoint := connection.NewRoundRobinEndpoints([]string{cfg.URL})
	conn := connection.NewHttp2Connection(connection.DefaultHTTP2ConfigurationWrapper(endpoint, true))
	if err := conn.SetAuthentication(connection.NewBasicAuth(cfg.Username, cfg.Password)); err != nil {
		return nil, errors.Wrap(err, "arangodb auth")
	}

	s := &ArangoStore{
		client: arangodb.NewClient(conn),
		cfg:    cfg,
		logger: logging.OrNop(logger).With(logging.FieldComponent, "arango_store"),
		now:    time.Now,
	}
	if err := s.ensureDatabase(ctx); err != nil {
		return nil, errors.Mark(err, errors.ErrStoreUnavailable)
	}
	if err := s.ensureCollections(ctx); err != nil {
		return nil, errors.Mark(err, errors.ErrStoreUnavailable)
	}
	return s, nil
}

func (s *ArangoStore) ensureDatabase(ctx context.Context) error {
	start := time.Now()

	exists, err := s.client.DatabaseExists(ctx, s.cfg.Database)
	if err != nil {
		return errors.Wrap(err, "check database exists")
	}
	if !exists {
		if _, err := s.client.CreateDatabase(ctx, s.cfg.Database, nil); err != nil {
			return errors.Wrap(err, "create database")
		}
		s.logger.Infow("arangodb database created",
			"database", s.cfg.Database,
			logging.FieldDurationMS, time.Since(start).Milliseconds())
	}

	db, err := s.client.GetDatabase(ctx, s.cfg.Database, nil)
	if err != nil {
		return errors.Wrap(err, "get database")
	}
	s.db = db
	return nil
}

func (s *ArangoStore) ensureCollections(ctx context.Context) error {
	for _, name := range []string{entitiesCollection, modulesCollection, patternsCollection} {
		if err := s.ensureCollection(ctx, name, arangodb.CollectionTypeDocument); err != nil {
			return err
		}
	}
	return s.ensureCollection(ctx, containsCollection, arangodb.CollectionTypeEdge)
}

func (s *ArangoStore) ensureCollection(ctx context.Context, name string, colType arangodb.CollectionType) error {
	exists, err := s.db.CollectionExists(ctx, name)
	if err != nil {
		return errors.Wrapf(err, "check collection %s exists", name)
	}
	if exists {
		return nil
	}
	if _, err := s.db.CreateCollectionV2(ctx, name, &arangodb.CreateCollectionPropertiesV2{Type: &colType}); err != nil {
		return errors.Wrapf(err, "create collection %s", name)
	}
	s.logger.Infow("arangodb collection created", "collection", name)
	return nil
}

// Documents as stored in ArangoDB.
type (
	arangoEntity struct {
		Key        string         `json:"_key"`
		Type       string         `json:"type"`
		Attributes map[string]any `json:"attributes"`
		CreatedAt  time.Time      `json:"createdAt"`
		UpdatedAt  time.Time      `json:"updatedAt"`
	}

	arangoModule struct {
		Key              string    `json:"_key"`
		Name             string    `json:"name"`
		TemplateID       string    `json:"templateId"`
		TargetEntityType string    `json:"targetEntityType"`
		TargetEntityID   string    `json:"targetEntityId"`
		CreatedAt        time.Time `json:"createdAt"`
	}
)

func (d arangoEntity) toEntity() Entity {
	attrs := d.Attributes
	if attrs == nil {
		attrs = make(map[string]any)
	}
	return Entity{ID: d.Key, Type: d.Type, Attributes: attrs, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt}
}

func (d arangoModule) toModule() Module {
	return Module{
		ID:               d.Key,
		Name:             d.Name,
		TemplateID:       d.TemplateID,
		TargetEntityType: d.TargetEntityType,
		TargetEntityID:   d.TargetEntityID,
		CreatedAt:        d.CreatedAt,
	}
}

// query runs an AQL statement and decodes every result into a fresh T.
func query[T any](ctx context.Context, s *ArangoStore, aql string, bindVars map[string]any) ([]T, error) {
	start := time.Now()
	cursor, err := s.db.Query(ctx, aql, &arangodb.QueryOptions{BindVars: bindVars})
	if err != nil {
		return nil, errors.Wrap(err, "execute query")
	}
	defer cursor.Close()

	var results []T
	for cursor.HasMore() {
		var doc T
		if _, err := cursor.ReadDocument(ctx, &doc); err != nil {
			return nil, errors.Wrap(err, "read document")
		}
		results = append(results, doc)
	}

	s.logger.Debugw("arangodb query",
		logging.FieldCount, len(results),
		logging.FieldDurationMS, time.Since(start).Milliseconds())
	return results, nil
}

const upsertPatternAQL = `
	UPSERT { _key: @key }
	INSERT MERGE({ _key: @key }, @doc)
	UPDATE @doc
	IN attribute_patterns
`

// UpsertPatternSummary implements Store.
func (s *ArangoStore) UpsertPatternSummary(ctx context.Context, summary PatternSummary) error {
	if summary.EntityType == "" || summary.AttributeName == "" {
		return errors.Wrap(errors.ErrInvalidInput, "pattern summary needs entity type and attribute")
	}
	summary.SampleValues = truncateSamples(summary.SampleValues)
	_, err := query[struct{}](ctx, s, upsertPatternAQL, map[string]any{
		"key": PatternKey(summary.EntityType, summary.AttributeName),
		"doc": summary,
	})
	return errors.Wrapf(err, "upsert pattern %s.%s", summary.EntityType, summary.AttributeName)
}

// PatternSummaries implements Store.
func (s *ArangoStore) PatternSummaries(ctx context.Context) ([]PatternSummary, error) {
	summaries, err := query[PatternSummary](ctx, s, `FOR p IN attribute_patterns RETURN p`, nil)
	return summaries, errors.Wrap(err, "list pattern summaries")
}

const modulesContainingAQL = `
	LET e = DOCUMENT(CONCAT("entities/", @id))
	LET linked = (FOR m IN 1..1 INBOUND e contains RETURN m._key)
	FOR m IN modules
		FILTER (m.targetEntityId != "" AND m.targetEntityId == e._key)
			OR (m.targetEntityType != "" AND m.targetEntityType == e.type)
			OR m._key == e.attributes.moduleId
			OR m._key IN linked
		RETURN m
`

// ModulesContaining implements Store.
func (s *ArangoStore) ModulesContaining(ctx context.Context, entityID string) ([]Module, error) {
	if _, err := s.GetEntity(ctx, entityID); err != nil {
		return nil, err
	}
	docs, err := query[arangoModule](ctx, s, modulesContainingAQL, map[string]any{"id": entityID})
	if err != nil {
		return nil, errors.Wrapf(err, "modules containing %s", entityID)
	}
	modules := make([]Module, 0, len(docs))
	for _, d := range docs {
		modules = append(modules, d.toModule())
	}
	sortModules(modules)
	return modules, nil
}

const moduleMembersAQL = `
	LET m = DOCUMENT(CONCAT("modules/", @id))
	LET linked = (FOR e IN 1..1 OUTBOUND m contains RETURN e._key)
	FOR e IN entities
		FILTER (m.targetEntityType != "" AND e.type == m.targetEntityType)
			OR e._key IN linked
			OR e.attributes.moduleId == m._key
		RETURN e
`

// ModuleMembers implements Store.
func (s *ArangoStore) ModuleMembers(ctx context.Context, moduleID string) ([]Entity, error) {
	if _, err := s.GetModule(ctx, moduleID); err != nil {
		return nil, err
	}
	docs, err := query[arangoEntity](ctx, s, moduleMembersAQL, map[string]any{"id": moduleID})
	if err != nil {
		return nil, errors.Wrapf(err, "members of %s", moduleID)
	}
	members := make([]Entity, 0, len(docs))
	for _, d := range docs {
		members = append(members, d.toEntity())
	}
	sortEntities(members)
	return members, nil
}

// GetModule implements Store.
func (s *ArangoStore) GetModule(ctx context.Context, moduleID string) (*Module, error) {
	docs, err := query[arangoModule](ctx, s,
		`FOR m IN modules FILTER m._key == @key LIMIT 1 RETURN m`,
		map[string]any{"key": moduleID})
	if err != nil {
		return nil, errors.Wrapf(err, "module %s", moduleID)
	}
	if len(docs) == 0 {
		return nil, errors.Wrapf(errors.ErrNotFound, "module %s", moduleID)
	}
	m := docs[0].toModule()
	return &m, nil
}

// CreateModule implements Store.
func (s *ArangoStore) CreateModule(ctx context.Context, module *Module) error {
	if module == nil || module.ID == "" {
		return errors.Wrap(errors.ErrInvalidInput, "module needs an id")
	}
	if module.CreatedAt.IsZero() {
		module.CreatedAt = s.now()
	}
	_, err := query[struct{}](ctx, s, `INSERT @doc INTO modules`, map[string]any{
		"doc": arangoModule{
			Key:              module.ID,
			Name:             module.Name,
			TemplateID:       module.TemplateID,
			TargetEntityType: module.TargetEntityType,
			TargetEntityID:   module.TargetEntityID,
			CreatedAt:        module.CreatedAt,
		},
	})
	return errors.Wrapf(err, "create module %s", module.ID)
}

// GetEntity implements Store.
func (s *ArangoStore) GetEntity(ctx context.Context, entityID string) (*Entity, error) {
	docs, err := query[arangoEntity](ctx, s,
		`FOR e IN entities FILTER e._key == @key LIMIT 1 RETURN e`,
		map[string]any{"key": entityID})
	if err != nil {
		return nil, errors.Wrapf(err, "entity %s", entityID)
	}
	if len(docs) == 0 {
		return nil, errors.Wrapf(errors.ErrNotFound, "entity %s", entityID)
	}
	e := docs[0].toEntity()
	return &e, nil
}

// CreateEntity implements Store.
func (s *ArangoStore) CreateEntity(ctx context.Context, entity *Entity) error {
	if entity == nil || entity.ID == "" || entity.Type == "" {
		return errors.Wrap(errors.ErrInvalidInput, "entity needs an id and a type")
	}
	now := s.now()
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = now
	}
	entity.UpdatedAt = now
	_, err := query[struct{}](ctx, s, `INSERT @doc INTO entities`, map[string]any{
		"doc": arangoEntity{
			Key:        entity.ID,
			Type:       entity.Type,
			Attributes: entity.Attributes,
			CreatedAt:  entity.CreatedAt,
			UpdatedAt:  entity.UpdatedAt,
		},
	})
	return errors.Wrapf(err, "create entity %s", entity.ID)
}

const updateAttributeAQL = `
	FOR e IN entities
		FILTER e._key == @key
		UPDATE e WITH { attributes: { [@attr]: @value }, updatedAt: @now } IN entities
		RETURN NEW._key
`

// UpdateEntityAttribute implements Store.
func (s *ArangoStore) UpdateEntityAttribute(ctx context.Context, entityID, attribute string, value any) error {
	if attribute == "" {
		return errors.Wrap(errors.ErrInvalidInput, "empty attribute name")
	}
	keys, err := query[string](ctx, s, updateAttributeAQL, map[string]any{
		"key":   entityID,
		"attr":  attribute,
		"value": value,
		"now":   s.now(),
	})
	if err != nil {
		return errors.Wrapf(err, "update %s.%s", entityID, attribute)
	}
	if len(keys) == 0 {
		return errors.Wrapf(errors.ErrNotFound, "entity %s", entityID)
	}
	return nil
}

const linkAQL = `
	UPSERT { _from: @from, _to: @to }
	INSERT { _from: @from, _to: @to, createdAt: @now }
	UPDATE {}
	IN contains
`

// LinkEntityToModule implements Store.
func (s *ArangoStore) LinkEntityToModule(ctx context.Context, moduleID, entityID string) error {
	if _, err := s.GetModule(ctx, moduleID); err != nil {
		return err
	}
	if _, err := s.GetEntity(ctx, entityID); err != nil {
		return err
	}
	_, err := query[struct{}](ctx, s, linkAQL, map[string]any{
		"from": modulesCollection + "/" + moduleID,
		"to":   entitiesCollection + "/" + entityID,
		"now":  s.now(),
	})
	return errors.Wrapf(err, "link %s -> %s", moduleID, entityID)
}

// Close releases the connection. The HTTP/2 client holds no resources that
// need explicit shutdown.
func (s *ArangoStore) Close() error {
	return nil
}

var _ Store = (*ArangoStore)(nil)
