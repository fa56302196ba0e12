package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/klppl/orbit/internal/ferr"
)

// SQLStore is the dual SQLite/PostgreSQL implementation of Gateway.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// Open opens a database connection. The URL can be:
//   - a bare file path like "orbit.db" → SQLite
//   - "sqlite:///path/to/file.db" → SQLite
//   - "postgres://..." → PostgreSQL
func Open(databaseURL string) (*SQLStore, error) {
	driver, dsn := detectDriver(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if driver == "sqlite" {
		// WAL allows concurrent readers alongside one writer; busy_timeout
		// makes SQLite's single-writer serialization graceful instead of
		// immediately surfacing SQLITE_BUSY to an inbox handler.
		const sqliteMaxConns = 4
		db.SetMaxOpenConns(sqliteMaxConns)
		db.SetMaxIdleConns(sqliteMaxConns)

		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
			"PRAGMA synchronous=NORMAL",
		} {
			if _, err := db.Exec(pragma); err != nil {
				return nil, fmt.Errorf("sqlite pragma (%s): %w", pragma, err)
			}
		}
		slog.Info("sqlite database opened", "max_conns", sqliteMaxConns)
	}

	return &SQLStore{db: db, driver: driver}, nil
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	return "sqlite", u
}

// ph returns the nth positional placeholder for the active driver.
func (s *SQLStore) ph(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// commonMigrations lists DDL shared between SQLite and PostgreSQL.
var commonMigrations = []string{
	`CREATE TABLE IF NOT EXISTS instances (
		domain     TEXT NOT NULL UNIQUE,
		software   TEXT NOT NULL DEFAULT '',
		version    TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL,
		state      TEXT NOT NULL DEFAULT 'alive'
	)`,
	`CREATE INDEX IF NOT EXISTS instances_state ON instances(state)`,
	`CREATE TABLE IF NOT EXISTS actors (
		ap_id                      TEXT NOT NULL UNIQUE,
		kind                       TEXT NOT NULL,
		name                       TEXT NOT NULL DEFAULT '',
		display_name               TEXT NOT NULL DEFAULT '',
		inbox_url                  TEXT NOT NULL DEFAULT '',
		shared_inbox_url           TEXT NOT NULL DEFAULT '',
		public_key_pem             TEXT NOT NULL DEFAULT '',
		private_key_pem            TEXT NOT NULL DEFAULT '',
		instance_domain            TEXT NOT NULL DEFAULT '',
		last_refreshed_at          TEXT NOT NULL,
		bio                        TEXT NOT NULL DEFAULT '',
		avatar                     TEXT NOT NULL DEFAULT '',
		banner                     TEXT NOT NULL DEFAULT '',
		followers_url              TEXT NOT NULL DEFAULT '',
		outbox_url                 TEXT NOT NULL DEFAULT '',
		moderators_url             TEXT NOT NULL DEFAULT '',
		featured_url               TEXT NOT NULL DEFAULT '',
		visibility                 TEXT NOT NULL DEFAULT 'public',
		posting_restricted_to_mods INTEGER NOT NULL DEFAULT 0,
		moved_to                   TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS actors_instance ON actors(instance_domain)`,
	`CREATE TABLE IF NOT EXISTS objects (
		ap_id              TEXT NOT NULL UNIQUE,
		kind               TEXT NOT NULL,
		creator_ap_id      TEXT NOT NULL DEFAULT '',
		community_ap_id    TEXT NOT NULL DEFAULT '',
		post_ap_id         TEXT NOT NULL DEFAULT '',
		parent_ap_id       TEXT NOT NULL DEFAULT '',
		content            TEXT NOT NULL DEFAULT '',
		language           TEXT NOT NULL DEFAULT '',
		deleted            INTEGER NOT NULL DEFAULT 0,
		removed            INTEGER NOT NULL DEFAULT 0,
		locked             INTEGER NOT NULL DEFAULT 0,
		featured_community INTEGER NOT NULL DEFAULT 0,
		comments_enabled   INTEGER NOT NULL DEFAULT 1,
		published_at       TEXT NOT NULL,
		updated_at         TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS objects_community ON objects(community_ap_id)`,
	`CREATE INDEX IF NOT EXISTS objects_post ON objects(post_ap_id)`,
	`CREATE INDEX IF NOT EXISTS objects_parent ON objects(parent_ap_id)`,
	`CREATE TABLE IF NOT EXISTS votes (
		actor_ap_id  TEXT NOT NULL,
		object_ap_id TEXT NOT NULL,
		score        INTEGER NOT NULL,
		UNIQUE(actor_ap_id, object_ap_id)
	)`,
	`CREATE INDEX IF NOT EXISTS votes_object ON votes(object_ap_id)`,
	`CREATE TABLE IF NOT EXISTS follows (
		follower_ap_id TEXT NOT NULL,
		target_ap_id   TEXT NOT NULL,
		state          TEXT NOT NULL,
		UNIQUE(follower_ap_id, target_ap_id)
	)`,
	`CREATE INDEX IF NOT EXISTS follows_target ON follows(target_ap_id)`,
	`CREATE TABLE IF NOT EXISTS activity_log (
		ap_id      TEXT NOT NULL UNIQUE,
		payload    TEXT NOT NULL,
		direction  TEXT NOT NULL,
		sensitive  INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS activity_log_created ON activity_log(created_at)`,
	`CREATE TABLE IF NOT EXISTS deliveries (
		activity_ap_id  TEXT NOT NULL,
		target_inbox    TEXT NOT NULL,
		attempts        INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TEXT NOT NULL,
		last_error      TEXT NOT NULL DEFAULT '',
		state           TEXT NOT NULL DEFAULT 'queued',
		UNIQUE(activity_ap_id, target_inbox)
	)`,
	`CREATE INDEX IF NOT EXISTS deliveries_state_next ON deliveries(state, next_attempt_at)`,
	`CREATE TABLE IF NOT EXISTS mod_actions (
		mod_ap_id    TEXT NOT NULL,
		target_kind  TEXT NOT NULL,
		target_ap_id TEXT NOT NULL,
		action       TEXT NOT NULL,
		reason       TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS mod_actions_target ON mod_actions(target_ap_id)`,
	`CREATE TABLE IF NOT EXISTS moderators (
		community_ap_id TEXT NOT NULL,
		actor_ap_id     TEXT NOT NULL,
		rank            INTEGER NOT NULL DEFAULT 0,
		UNIQUE(community_ap_id, actor_ap_id)
	)`,
	`CREATE INDEX IF NOT EXISTS moderators_community ON moderators(community_ap_id, rank)`,
	`CREATE TABLE IF NOT EXISTS admins (
		instance_domain TEXT NOT NULL,
		actor_ap_id     TEXT NOT NULL,
		UNIQUE(instance_domain, actor_ap_id)
	)`,
	`CREATE TABLE IF NOT EXISTS reports (
		ap_id           TEXT NOT NULL UNIQUE,
		reporter_ap_id  TEXT NOT NULL,
		object_ap_id    TEXT NOT NULL,
		community_ap_id TEXT NOT NULL DEFAULT '',
		reason          TEXT NOT NULL DEFAULT '',
		created_at      TEXT NOT NULL,
		resolved        INTEGER NOT NULL DEFAULT 0
	)`,
}

// Migrate runs all pending migrations.
func (s *SQLStore) Migrate() error {
	slog.Info("running database migrations")
	for _, m := range commonMigrations {
		if _, err := s.db.Exec(m); err != nil {
			if s.driver == "postgres" && strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	slog.Info("migrations complete")
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

const timeLayout = time.RFC3339Nano

// ─── Actors ─────────────────────────────────────────────────────────────

func (s *SQLStore) ReadActorByAPID(apID string) (*Actor, error) {
	row := s.db.QueryRow(`SELECT ap_id, kind, name, display_name, inbox_url, shared_inbox_url,
		public_key_pem, private_key_pem, instance_domain, last_refreshed_at, bio, avatar, banner,
		followers_url, outbox_url, moderators_url, featured_url, visibility,
		posting_restricted_to_mods, moved_to
		FROM actors WHERE ap_id = `+s.ph(1), apID)

	a := &Actor{}
	var lastRefreshed string
	var postingRestricted int
	err := row.Scan(&a.APID, &a.Kind, &a.Name, &a.DisplayName, &a.InboxURL, &a.SharedInboxURL,
		&a.PublicKeyPEM, &a.PrivateKeyPEM, &a.InstanceDomain, &lastRefreshed, &a.Bio, &a.Avatar, &a.Banner,
		&a.FollowersURL, &a.OutboxURL, &a.ModeratorsURL, &a.FeaturedURL, &a.Visibility,
		&postingRestricted, &a.MovedTo)
	if err == sql.ErrNoRows {
		return nil, ferr.New(ferr.KindNotFound, "actor not found: "+apID)
	}
	if err != nil {
		return nil, ferr.Wrap(ferr.KindStorageError, "read actor", err)
	}
	a.LastRefreshedAt, _ = time.Parse(timeLayout, lastRefreshed)
	a.PostingRestrictedToMod = postingRestricted != 0
	return a, nil
}

func (s *SQLStore) UpsertActor(a *Actor) error {
	now := time.Now().UTC()
	if a.LastRefreshedAt.IsZero() {
		a.LastRefreshedAt = now
	}
	var q string
	if s.driver == "postgres" {
		q = `INSERT INTO actors (ap_id, kind, name, display_name, inbox_url, shared_inbox_url,
			public_key_pem, private_key_pem, instance_domain, last_refreshed_at, bio, avatar, banner,
			followers_url, outbox_url, moderators_url, featured_url, visibility,
			posting_restricted_to_mods, moved_to)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
			ON CONFLICT (ap_id) DO UPDATE SET
			name=excluded.name, display_name=excluded.display_name, inbox_url=excluded.inbox_url,
			shared_inbox_url=excluded.shared_inbox_url, public_key_pem=excluded.public_key_pem,
			instance_domain=excluded.instance_domain, last_refreshed_at=excluded.last_refreshed_at,
			bio=excluded.bio, avatar=excluded.avatar, banner=excluded.banner,
			followers_url=excluded.followers_url, outbox_url=excluded.outbox_url,
			moderators_url=excluded.moderators_url, featured_url=excluded.featured_url,
			visibility=excluded.visibility, posting_restricted_to_mods=excluded.posting_restricted_to_mods,
			moved_to=excluded.moved_to`
	} else {
		q = `INSERT INTO actors (ap_id, kind, name, display_name, inbox_url, shared_inbox_url,
			public_key_pem, private_key_pem, instance_domain, last_refreshed_at, bio, avatar, banner,
			followers_url, outbox_url, moderators_url, featured_url, visibility,
			posting_restricted_to_mods, moved_to)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT (ap_id) DO UPDATE SET
			name=excluded.name, display_name=excluded.display_name, inbox_url=excluded.inbox_url,
			shared_inbox_url=excluded.shared_inbox_url, public_key_pem=excluded.public_key_pem,
			instance_domain=excluded.instance_domain, last_refreshed_at=excluded.last_refreshed_at,
			bio=excluded.bio, avatar=excluded.avatar, banner=excluded.banner,
			followers_url=excluded.followers_url, outbox_url=excluded.outbox_url,
			moderators_url=excluded.moderators_url, featured_url=excluded.featured_url,
			visibility=excluded.visibility, posting_restricted_to_mods=excluded.posting_restricted_to_mods,
			moved_to=excluded.moved_to`
	}
	restricted := 0
	if a.PostingRestrictedToMod {
		restricted = 1
	}
	_, err := s.db.Exec(q, a.APID, a.Kind, a.Name, a.DisplayName, a.InboxURL, a.SharedInboxURL,
		a.PublicKeyPEM, a.PrivateKeyPEM, a.InstanceDomain, a.LastRefreshedAt.Format(timeLayout),
		a.Bio, a.Avatar, a.Banner, a.FollowersURL, a.OutboxURL, a.ModeratorsURL, a.FeaturedURL,
		a.Visibility, restricted, a.MovedTo)
	if err != nil {
		return ferr.Wrap(ferr.KindStorageError, "upsert actor", err)
	}
	return nil
}

func (s *SQLStore) ReadInstance(domain string) (*Instance, error) {
	row := s.db.QueryRow(`SELECT domain, software, version, updated_at, state FROM instances WHERE domain = `+s.ph(1), domain)
	i := &Instance{}
	var updatedAt string
	err := row.Scan(&i.Domain, &i.Software, &i.Version, &updatedAt, &i.State)
	if err == sql.ErrNoRows {
		return nil, ferr.New(ferr.KindNotFound, "instance not found: "+domain)
	}
	if err != nil {
		return nil, ferr.Wrap(ferr.KindStorageError, "read instance", err)
	}
	i.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return i, nil
}

func (s *SQLStore) UpsertInstance(i *Instance) error {
	if i.UpdatedAt.IsZero() {
		i.UpdatedAt = time.Now().UTC()
	}
	if i.State == "" {
		i.State = InstanceAlive
	}
	q := `INSERT INTO instances (domain, software, version, updated_at, state) VALUES (` +
		s.ph(1) + `,` + s.ph(2) + `,` + s.ph(3) + `,` + s.ph(4) + `,` + s.ph(5) + `)
		ON CONFLICT (domain) DO UPDATE SET software=excluded.software, version=excluded.version,
		updated_at=excluded.updated_at`
	_, err := s.db.Exec(q, i.Domain, i.Software, i.Version, i.UpdatedAt.Format(timeLayout), i.State)
	if err != nil {
		return ferr.Wrap(ferr.KindStorageError, "upsert instance", err)
	}
	return nil
}

func (s *SQLStore) setInstanceState(domain string, state InstanceState) error {
	now := time.Now().UTC().Format(timeLayout)
	q := `INSERT INTO instances (domain, updated_at, state) VALUES (` + s.ph(1) + `,` + s.ph(2) + `,` + s.ph(3) + `)
		ON CONFLICT (domain) DO UPDATE SET state=excluded.state, updated_at=excluded.updated_at`
	_, err := s.db.Exec(q, domain, now, state)
	if err != nil {
		return ferr.Wrap(ferr.KindStorageError, "set instance state", err)
	}
	return nil
}

func (s *SQLStore) MarkInstanceDead(domain string) error  { return s.setInstanceState(domain, InstanceDead) }
func (s *SQLStore) MarkInstanceAlive(domain string) error { return s.setInstanceState(domain, InstanceAlive) }

func (s *SQLStore) ListDeadInstances() ([]string, error) {
	rows, err := s.db.Query(`SELECT domain FROM instances WHERE state = ` + s.ph(1), InstanceDead)
	if err != nil {
		return nil, ferr.Wrap(ferr.KindStorageError, "list dead instances", err)
	}
	return scanStringRows(rows)
}

// ─── Objects ────────────────────────────────────────────────────────────

func (s *SQLStore) ReadObjectByAPID(apID string) (*Object, error) {
	row := s.db.QueryRow(`SELECT ap_id, kind, creator_ap_id, community_ap_id, post_ap_id, parent_ap_id,
		content, language, deleted, removed, locked, featured_community, comments_enabled,
		published_at, updated_at FROM objects WHERE ap_id = `+s.ph(1), apID)
	o := &Object{}
	var published, updated string
	var deleted, removed, locked, featured, commentsEnabled int
	err := row.Scan(&o.APID, &o.Kind, &o.CreatorAPID, &o.CommunityAPID, &o.PostAPID, &o.ParentAPID,
		&o.Content, &o.Language, &deleted, &removed, &locked, &featured, &commentsEnabled,
		&published, &updated)
	if err == sql.ErrNoRows {
		return nil, ferr.New(ferr.KindNotFound, "object not found: "+apID)
	}
	if err != nil {
		return nil, ferr.Wrap(ferr.KindStorageError, "read object", err)
	}
	o.PublishedAt, _ = time.Parse(timeLayout, published)
	o.UpdatedAt, _ = time.Parse(timeLayout, updated)
	o.Deleted = deleted != 0
	o.Removed = removed != 0
	o.Locked = locked != 0
	o.FeaturedCommunity = featured != 0
	o.CommentsEnabled = commentsEnabled != 0
	return o, nil
}

func (s *SQLStore) UpsertObject(o *Object) error {
	if o.PublishedAt.IsZero() {
		o.PublishedAt = time.Now().UTC()
	}
	boolInt := func(b bool) int {
		if b {
			return 1
		}
		return 0
	}
	var q string
	if s.driver == "postgres" {
		q = `INSERT INTO objects (ap_id, kind, creator_ap_id, community_ap_id, post_ap_id, parent_ap_id,
			content, language, deleted, removed, locked, featured_community, comments_enabled,
			published_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
			ON CONFLICT (ap_id) DO UPDATE SET content=excluded.content, language=excluded.language,
			locked=excluded.locked, featured_community=excluded.featured_community,
			comments_enabled=excluded.comments_enabled, updated_at=excluded.updated_at`
	} else {
		q = `INSERT INTO objects (ap_id, kind, creator_ap_id, community_ap_id, post_ap_id, parent_ap_id,
			content, language, deleted, removed, locked, featured_community, comments_enabled,
			published_at, updated_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT (ap_id) DO UPDATE SET content=excluded.content, language=excluded.language,
			locked=excluded.locked, featured_community=excluded.featured_community,
			comments_enabled=excluded.comments_enabled, updated_at=excluded.updated_at`
	}
	_, err := s.db.Exec(q, o.APID, o.Kind, o.CreatorAPID, o.CommunityAPID, o.PostAPID, o.ParentAPID,
		o.Content, o.Language, boolInt(o.Deleted), boolInt(o.Removed), boolInt(o.Locked),
		boolInt(o.FeaturedCommunity), boolInt(o.CommentsEnabled),
		o.PublishedAt.Format(timeLayout), o.UpdatedAt.Format(timeLayout))
	if err != nil {
		return ferr.Wrap(ferr.KindStorageError, "upsert object", err)
	}
	return nil
}

func (s *SQLStore) SetObjectDeleted(apID string, deleted bool) error {
	v := 0
	if deleted {
		v = 1
	}
	_, err := s.db.Exec(`UPDATE objects SET deleted = `+s.ph(1)+` WHERE ap_id = `+s.ph(2), v, apID)
	if err != nil {
		return ferr.Wrap(ferr.KindStorageError, "set object deleted", err)
	}
	return nil
}

func (s *SQLStore) SetObjectRemoved(apID string, removed bool) error {
	v := 0
	if removed {
		v = 1
	}
	_, err := s.db.Exec(`UPDATE objects SET removed = `+s.ph(1)+` WHERE ap_id = `+s.ph(2), v, apID)
	if err != nil {
		return ferr.Wrap(ferr.KindStorageError, "set object removed", err)
	}
	return nil
}

// UpdateObjectFields applies a sparse set of mutable-field updates, used by
// Update{Page|Note} handling. Only a fixed allow-list of column names is
// accepted, since fields come from the activity model's verified set, not
// directly from request JSON.
func (s *SQLStore) UpdateObjectFields(apID string, fields map[string]any) error {
	allowed := map[string]bool{
		"content": true, "language": true, "locked": true,
		"featured_community": true, "comments_enabled": true, "updated_at": true,
	}
	var setClauses []string
	var args []any
	i := 1
	for k, v := range fields {
		if !allowed[k] {
			continue
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = %s", k, s.ph(i)))
		args = append(args, v)
		i++
	}
	if len(setClauses) == 0 {
		return nil
	}
	args = append(args, apID)
	q := "UPDATE objects SET " + strings.Join(setClauses, ", ") + " WHERE ap_id = " + s.ph(i)
	if _, err := s.db.Exec(q, args...); err != nil {
		return ferr.Wrap(ferr.KindStorageError, "update object fields", err)
	}
	return nil
}

// ─── Activity log / dedup ───────────────────────────────────────────────

func (s *SQLStore) InsertActivity(e *ActivityLogEntry) (bool, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	sensitive := 0
	if e.Sensitive {
		sensitive = 1
	}
	q := `INSERT INTO activity_log (ap_id, payload, direction, sensitive, created_at) VALUES (` +
		s.ph(1) + `,` + s.ph(2) + `,` + s.ph(3) + `,` + s.ph(4) + `,` + s.ph(5) + `)
		ON CONFLICT (ap_id) DO NOTHING`
	res, err := s.db.Exec(q, e.APID, e.Payload, e.Direction, sensitive, e.CreatedAt.Format(timeLayout))
	if err != nil {
		return false, ferr.Wrap(ferr.KindStorageError, "insert activity", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		// Some drivers don't report RowsAffected reliably for no-op upserts;
		// treat that as "already seen" rather than erroring the request.
		return false, nil
	}
	return n > 0, nil
}

func (s *SQLStore) ReadActivityPayload(apID string) (string, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM activity_log WHERE ap_id = `+s.ph(1), apID).Scan(&payload)
	if err == sql.ErrNoRows {
		return "", ferr.New(ferr.KindNotFound, "activity not found: "+apID)
	}
	if err != nil {
		return "", ferr.Wrap(ferr.KindStorageError, "read activity payload", err)
	}
	return payload, nil
}

// ─── Delivery ───────────────────────────────────────────────────────────

func (s *SQLStore) RecordDeliveryResult(r *DeliveryRecord) error {
	q := `INSERT INTO deliveries (activity_ap_id, target_inbox, attempts, next_attempt_at, last_error, state)
		VALUES (` + s.ph(1) + `,` + s.ph(2) + `,` + s.ph(3) + `,` + s.ph(4) + `,` + s.ph(5) + `,` + s.ph(6) + `)
		ON CONFLICT (activity_ap_id, target_inbox) DO UPDATE SET
		attempts=excluded.attempts, next_attempt_at=excluded.next_attempt_at,
		last_error=excluded.last_error, state=excluded.state`
	_, err := s.db.Exec(q, r.ActivityAPID, r.TargetInbox, r.Attempts,
		r.NextAttemptAt.Format(timeLayout), r.LastError, r.State)
	if err != nil {
		return ferr.Wrap(ferr.KindStorageError, "record delivery result", err)
	}
	return nil
}

func (s *SQLStore) EnqueueDelivery(activityAPID, targetInbox string) error {
	return s.RecordDeliveryResult(&DeliveryRecord{
		ActivityAPID:  activityAPID,
		TargetInbox:   targetInbox,
		Attempts:      0,
		NextAttemptAt: time.Now().UTC(),
		State:         DeliveryQueued,
	})
}

func (s *SQLStore) ListPendingDeliveries(now time.Time, limit int) ([]*DeliveryRecord, error) {
	rows, err := s.db.Query(`SELECT activity_ap_id, target_inbox, attempts, next_attempt_at, last_error, state
		FROM deliveries WHERE state IN ('queued','in_flight') AND next_attempt_at <= `+s.ph(1)+`
		ORDER BY attempts ASC, next_attempt_at ASC LIMIT `+s.ph(2), now.Format(timeLayout), limit)
	if err != nil {
		return nil, ferr.Wrap(ferr.KindStorageError, "list pending deliveries", err)
	}
	defer rows.Close()
	var out []*DeliveryRecord
	for rows.Next() {
		r := &DeliveryRecord{}
		var next string
		if err := rows.Scan(&r.ActivityAPID, &r.TargetInbox, &r.Attempts, &next, &r.LastError, &r.State); err != nil {
			return nil, ferr.Wrap(ferr.KindStorageError, "scan delivery", err)
		}
		r.NextAttemptAt, _ = time.Parse(timeLayout, next)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ─── Votes ──────────────────────────────────────────────────────────────

// ApplyLike implements §4.3's apply_like: delete any existing vote by actor
// on object, then insert the new one iff score != 0. Both statements run in
// one transaction, so a reader never sees the vote removed but not replaced.
func (s *SQLStore) ApplyLike(actorAPID, objectAPID string, score int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return ferr.Wrap(ferr.KindStorageError, "begin vote tx", err)
	}
	defer tx.Rollback()
	_, err = tx.Exec(`DELETE FROM votes WHERE actor_ap_id = `+s.ph(1)+` AND object_ap_id = `+s.ph(2),
		actorAPID, objectAPID)
	if err != nil {
		return ferr.Wrap(ferr.KindStorageError, "delete prior vote", err)
	}
	if score != 0 {
		q := `INSERT INTO votes (actor_ap_id, object_ap_id, score) VALUES (` + s.ph(1) + `,` + s.ph(2) + `,` + s.ph(3) + `)`
		if _, err := tx.Exec(q, actorAPID, objectAPID, score); err != nil {
			return ferr.Wrap(ferr.KindStorageError, "insert vote", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return ferr.Wrap(ferr.KindStorageError, "commit vote tx", err)
	}
	return nil
}

func (s *SQLStore) ReadVote(actorAPID, objectAPID string) (*Vote, error) {
	row := s.db.QueryRow(`SELECT actor_ap_id, object_ap_id, score FROM votes WHERE actor_ap_id = `+
		s.ph(1)+` AND object_ap_id = `+s.ph(2), actorAPID, objectAPID)
	v := &Vote{}
	if err := row.Scan(&v.ActorAPID, &v.ObjectAPID, &v.Score); err != nil {
		if err == sql.ErrNoRows {
			return nil, ferr.New(ferr.KindNotFound, "no vote")
		}
		return nil, ferr.Wrap(ferr.KindStorageError, "read vote", err)
	}
	return v, nil
}

// ─── Follows ────────────────────────────────────────────────────────────

func (s *SQLStore) ApplyFollow(followerAPID, targetAPID string, state FollowState) error {
	q := `INSERT INTO follows (follower_ap_id, target_ap_id, state) VALUES (` +
		s.ph(1) + `,` + s.ph(2) + `,` + s.ph(3) + `)
		ON CONFLICT (follower_ap_id, target_ap_id) DO UPDATE SET state=excluded.state`
	if _, err := s.db.Exec(q, followerAPID, targetAPID, state); err != nil {
		return ferr.Wrap(ferr.KindStorageError, "apply follow", err)
	}
	return nil
}

func (s *SQLStore) ReadFollow(followerAPID, targetAPID string) (*Follow, error) {
	row := s.db.QueryRow(`SELECT follower_ap_id, target_ap_id, state FROM follows
		WHERE follower_ap_id = `+s.ph(1)+` AND target_ap_id = `+s.ph(2), followerAPID, targetAPID)
	f := &Follow{}
	if err := row.Scan(&f.FollowerAPID, &f.TargetAPID, &f.State); err != nil {
		if err == sql.ErrNoRows {
			return nil, ferr.New(ferr.KindNotFound, "no follow")
		}
		return nil, ferr.Wrap(ferr.KindStorageError, "read follow", err)
	}
	return f, nil
}

func (s *SQLStore) DeleteFollow(followerAPID, targetAPID string) error {
	_, err := s.db.Exec(`DELETE FROM follows WHERE follower_ap_id = `+s.ph(1)+` AND target_ap_id = `+s.ph(2),
		followerAPID, targetAPID)
	if err != nil {
		return ferr.Wrap(ferr.KindStorageError, "delete follow", err)
	}
	return nil
}

// ListFollowerInboxes returns the distinct shared (or per-actor) inbox URLs
// of every accepted follower of targetAPID, for Announce/delivery addressing.
func (s *SQLStore) ListFollowerInboxes(targetAPID string) ([]string, error) {
	q := `SELECT DISTINCT COALESCE(NULLIF(a.shared_inbox_url, ''), a.inbox_url)
		FROM follows f JOIN actors a ON a.ap_id = f.follower_ap_id
		WHERE f.target_ap_id = ` + s.ph(1) + ` AND f.state = ` + s.ph(2)
	rows, err := s.db.Query(q, targetAPID, FollowAccepted)
	if err != nil {
		return nil, ferr.Wrap(ferr.KindStorageError, "list follower inboxes", err)
	}
	return scanStringRows(rows)
}

// ─── Moderation ─────────────────────────────────────────────────────────

func (s *SQLStore) ApplyModeration(m *ModAction) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	tx, err := s.db.Begin()
	if err != nil {
		return ferr.Wrap(ferr.KindStorageError, "begin moderation tx", err)
	}
	defer tx.Rollback()

	switch m.Action {
	case "remove":
		if _, err := tx.Exec(`UPDATE objects SET removed = 1 WHERE ap_id = `+s.ph(1), m.TargetAPID); err != nil {
			return ferr.Wrap(ferr.KindStorageError, "apply remove", err)
		}
	case "restore":
		if _, err := tx.Exec(`UPDATE objects SET removed = 0 WHERE ap_id = `+s.ph(1), m.TargetAPID); err != nil {
			return ferr.Wrap(ferr.KindStorageError, "apply restore", err)
		}
	case "feature":
		if _, err := tx.Exec(`UPDATE objects SET featured_community = 1 WHERE ap_id = `+s.ph(1), m.TargetAPID); err != nil {
			return ferr.Wrap(ferr.KindStorageError, "apply feature", err)
		}
	case "unfeature":
		if _, err := tx.Exec(`UPDATE objects SET featured_community = 0 WHERE ap_id = `+s.ph(1), m.TargetAPID); err != nil {
			return ferr.Wrap(ferr.KindStorageError, "apply unfeature", err)
		}
	case "add_mod":
		q := `INSERT INTO moderators (community_ap_id, actor_ap_id, rank) VALUES (` + s.ph(1) + `,` + s.ph(2) + `,0)
			ON CONFLICT (community_ap_id, actor_ap_id) DO NOTHING`
		if _, err := tx.Exec(q, m.TargetKind, m.TargetAPID); err != nil {
			return ferr.Wrap(ferr.KindStorageError, "add mod", err)
		}
	case "remove_mod":
		if _, err := tx.Exec(`DELETE FROM moderators WHERE community_ap_id = `+s.ph(1)+` AND actor_ap_id = `+s.ph(2),
			m.TargetKind, m.TargetAPID); err != nil {
			return ferr.Wrap(ferr.KindStorageError, "remove mod", err)
		}
	}

	q := `INSERT INTO mod_actions (mod_ap_id, target_kind, target_ap_id, action, reason, created_at)
		VALUES (` + s.ph(1) + `,` + s.ph(2) + `,` + s.ph(3) + `,` + s.ph(4) + `,` + s.ph(5) + `,` + s.ph(6) + `)`
	if _, err := tx.Exec(q, m.ModAPID, m.TargetKind, m.TargetAPID, m.Action, m.Reason, m.CreatedAt.Format(timeLayout)); err != nil {
		return ferr.Wrap(ferr.KindStorageError, "insert modlog", err)
	}

	if err := tx.Commit(); err != nil {
		return ferr.Wrap(ferr.KindStorageError, "commit moderation tx", err)
	}
	return nil
}

func (s *SQLStore) ListModerators(communityAPID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT actor_ap_id FROM moderators WHERE community_ap_id = `+s.ph(1)+` ORDER BY rank ASC`,
		communityAPID)
	if err != nil {
		return nil, ferr.Wrap(ferr.KindStorageError, "list moderators", err)
	}
	return scanStringRows(rows)
}

func (s *SQLStore) ListAdmins(instanceDomain string) ([]string, error) {
	rows, err := s.db.Query(`SELECT actor_ap_id FROM admins WHERE instance_domain = `+s.ph(1), instanceDomain)
	if err != nil {
		return nil, ferr.Wrap(ferr.KindStorageError, "list admins", err)
	}
	return scanStringRows(rows)
}

// ─── Reports ────────────────────────────────────────────────────────────

func (s *SQLStore) InsertReport(r *Report) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	q := `INSERT INTO reports (ap_id, reporter_ap_id, object_ap_id, community_ap_id, reason, created_at, resolved)
		VALUES (` + s.ph(1) + `,` + s.ph(2) + `,` + s.ph(3) + `,` + s.ph(4) + `,` + s.ph(5) + `,` + s.ph(6) + `,0)
		ON CONFLICT (ap_id) DO NOTHING`
	if _, err := s.db.Exec(q, r.APID, r.ReporterAPID, r.ObjectAPID, r.CommunityAPID, r.Reason, r.CreatedAt.Format(timeLayout)); err != nil {
		return ferr.Wrap(ferr.KindStorageError, "insert report", err)
	}
	return nil
}

func scanStringRows(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var result []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

var _ Gateway = (*SQLStore)(nil)
