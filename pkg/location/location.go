// Package location stores SIP contact bindings on the replicated backends.
// Rows use the column layout of the classic location table and are routed
// by their address of record.
package location

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kamailio/kamailio-sub007/internal/backend"
	"github.com/kamailio/kamailio-sub007/internal/replication"
	"github.com/kamailio/kamailio-sub007/pkg/errors"
)

// Column names of the location table.
const (
	ColUsername     = "username"
	ColDomain       = "domain"
	ColContact      = "contact"
	ColReceived     = "received"
	ColPath         = "path"
	ColExpires      = "expires"
	ColQ            = "q"
	ColCallID       = "callid"
	ColCSeq         = "cseq"
	ColFlags        = "flags"
	ColCFlags       = "cflags"
	ColUserAgent    = "user_agent"
	ColSocket       = "socket"
	ColMethods      = "methods"
	ColLastModified = "last_modified"
	ColRUID         = "ruid"
	ColInstance     = "instance"
	ColRegID        = "reg_id"
)

// Contact is one registered binding of an address of record.
type Contact struct {
	AOR          string
	Contact      string
	Received     string
	Path         string
	Expires      time.Time
	Q            float64
	CallID       string
	CSeq         int
	Flags        int
	CFlags       int
	UserAgent    string
	Socket       string
	Methods      int
	LastModified time.Time
	RUID         string
	Instance     string
	RegID        int
}

// Router is the subset of the replication router the store needs.
type Router interface {
	Replace(ctx context.Context, key replication.Key, table string, columns []string, values []interface{}) error
	Update(ctx context.Context, key replication.Key, table string, where backend.Where, columns []string, values []interface{}) error
	Delete(ctx context.Context, key replication.Key, table string, where backend.Where) error
	Query(ctx context.Context, key replication.Key, table string, where backend.Where, columns []string, orderBy string) (*backend.Result, error)
	FreeResult(res *backend.Result)
}

// Store reads and writes contacts through a Router.
type Store struct {
	router    Router
	table     string
	useDomain bool
	log       logrus.FieldLogger
}

// NewStore creates a contact store on table. In domain mode addresses of
// record are split into username and domain at the first '@'.
func NewStore(router Router, table string, useDomain bool, log logrus.FieldLogger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{router: router, table: table, useDomain: useDomain, log: log}
}

// SplitAOR returns the username and domain of aor. Outside domain mode the
// whole address is the username.
func (s *Store) SplitAOR(aor string) (user, domain string) {
	if !s.useDomain {
		return aor, ""
	}
	user, domain, _ = strings.Cut(aor, "@")
	return user, domain
}

func (s *Store) key(aor string) (replication.Key, backend.Where) {
	user, domain := s.SplitAOR(aor)
	where := backend.Where{backend.Eq(ColUsername, user)}
	if s.useDomain {
		where = append(where, backend.Eq(ColDomain, domain))
	}
	return replication.Key{Primary: user, Secondary: domain}, where
}

// bindingColumns are the columns a save or update writes besides the keys.
var bindingColumns = []string{
	ColExpires, ColQ, ColCSeq, ColFlags, ColCFlags, ColUserAgent, ColReceived,
	ColPath, ColSocket, ColMethods, ColLastModified, ColRUID, ColInstance, ColRegID,
}

func (c Contact) bindingValues() []interface{} {
	return []interface{}{
		c.Expires.UTC(), c.Q, c.CSeq, c.Flags, c.CFlags, c.UserAgent, c.Received,
		c.Path, c.Socket, c.Methods, c.LastModified.UTC(), c.RUID, c.Instance, c.RegID,
	}
}

// Save writes c, replacing a stored binding with the same key.
func (s *Store) Save(ctx context.Context, c Contact) error {
	key, _ := s.key(c.AOR)
	cols := []string{ColUsername, ColContact, ColCallID}
	vals := []interface{}{key.Primary, c.Contact, c.CallID}
	if s.useDomain {
		cols = append(cols, ColDomain)
		vals = append(vals, key.Secondary)
	}
	cols = append(cols, bindingColumns...)
	vals = append(vals, c.bindingValues()...)

	if err := s.router.Replace(ctx, key, s.table, cols, vals); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"aor": c.AOR, "contact": c.Contact}).Debug("contact saved")
	return nil
}

// Update rewrites the binding identified by the AOR, contact and call id.
func (s *Store) Update(ctx context.Context, c Contact) error {
	key, where := s.key(c.AOR)
	where = append(where, backend.Eq(ColContact, c.Contact), backend.Eq(ColCallID, c.CallID))
	return s.router.Update(ctx, key, s.table, where, bindingColumns, c.bindingValues())
}

// Delete removes one binding of aor.
func (s *Store) Delete(ctx context.Context, aor, contact, callID string) error {
	key, where := s.key(aor)
	where = append(where, backend.Eq(ColContact, contact), backend.Eq(ColCallID, callID))
	return s.router.Delete(ctx, key, s.table, where)
}

// DeleteAll removes every binding of aor.
func (s *Store) DeleteAll(ctx context.Context, aor string) error {
	key, where := s.key(aor)
	return s.router.Delete(ctx, key, s.table, where)
}

// DeleteExpired removes the bindings of aor that expired before now.
// Bindings with a zero expiry are permanent and stay.
func (s *Store) DeleteExpired(ctx context.Context, aor string, now time.Time) error {
	key, where := s.key(aor)
	where = append(where,
		backend.Cond{Column: ColExpires, Op: backend.OpLt, Value: now.UTC()},
		backend.Cond{Column: ColExpires, Op: backend.OpGt, Value: time.Unix(0, 0).UTC()},
	)
	return s.router.Delete(ctx, key, s.table, where)
}

var lookupColumns = append([]string{ColContact, ColCallID}, bindingColumns...)

// Lookup returns the bindings of aor, highest q first.
func (s *Store) Lookup(ctx context.Context, aor string) ([]Contact, error) {
	key, where := s.key(aor)
	res, err := s.router.Query(ctx, key, s.table, where, lookupColumns, ColQ+" DESC")
	if err != nil {
		return nil, err
	}
	defer s.router.FreeResult(res)

	contacts := make([]Contact, 0, res.Len())
	for i := 0; i < res.Len(); i++ {
		c, err := scanContact(res, i)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeBackendIO, "malformed location row").
				WithComponent("location").WithOperation("Lookup").WithContext("aor", aor)
		}
		c.AOR = aor
		contacts = append(contacts, c)
	}
	return contacts, nil
}

func scanContact(res *backend.Result, i int) (Contact, error) {
	var (
		c   Contact
		err error
	)
	str := func(col string) string { return asString(res.Value(i, col)) }
	num := func(col string) int {
		if err != nil {
			return 0
		}
		var n int
		n, err = asInt(res.Value(i, col))
		return n
	}
	tm := func(col string) time.Time {
		if err != nil {
			return time.Time{}
		}
		var t time.Time
		t, err = asTime(res.Value(i, col))
		return t
	}

	c.Contact = str(ColContact)
	c.CallID = str(ColCallID)
	c.UserAgent = str(ColUserAgent)
	c.Received = str(ColReceived)
	c.Path = str(ColPath)
	c.Socket = str(ColSocket)
	c.RUID = str(ColRUID)
	c.Instance = str(ColInstance)
	c.CSeq = num(ColCSeq)
	c.Flags = num(ColFlags)
	c.CFlags = num(ColCFlags)
	c.Methods = num(ColMethods)
	c.RegID = num(ColRegID)
	c.Expires = tm(ColExpires)
	c.LastModified = tm(ColLastModified)
	if err != nil {
		return Contact{}, err
	}
	c.Q, err = asFloat(res.Value(i, ColQ))
	return c, err
}

func asString(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	}
	return fmt.Sprint(v)
}

func asInt(v interface{}) (int, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case float64:
		return int(x), nil
	case string, []byte:
		return strconv.Atoi(asString(x))
	}
	return 0, fmt.Errorf("unexpected integer value %T", v)
}

func asFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case string, []byte:
		return strconv.ParseFloat(asString(x), 64)
	}
	return 0, fmt.Errorf("unexpected float value %T", v)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
}

func asTime(v interface{}) (time.Time, error) {
	switch x := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return x.UTC(), nil
	case int64:
		return time.Unix(x, 0).UTC(), nil
	case string, []byte:
		s := asString(x)
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("cannot parse time %q", s)
	}
	return time.Time{}, fmt.Errorf("unexpected time value %T", v)
}

// Columns returns the column list of the location table in domain mode or
// without it.
func Columns(useDomain bool) []string {
	cols := []string{ColUsername}
	if useDomain {
		cols = append(cols, ColDomain)
	}
	return append(cols, lookupColumns...)
}

// CreateTableSQL returns the statement that creates the location table on
// a backend of the given dialect.
func CreateTableSQL(d backend.Dialect, table string) (string, error) {
	t, err := d.Quote(table)
	if err != nil {
		return "", err
	}
	types := map[string]string{
		ColUsername: "VARCHAR(64) NOT NULL DEFAULT ''", ColDomain: "VARCHAR(64) NOT NULL DEFAULT ''",
		ColContact: "VARCHAR(255) NOT NULL DEFAULT ''", ColReceived: "VARCHAR(128) DEFAULT NULL",
		ColPath: "VARCHAR(512) DEFAULT NULL", ColExpires: "DATETIME NOT NULL",
		ColQ: "FLOAT NOT NULL DEFAULT 1.0", ColCallID: "VARCHAR(255) NOT NULL DEFAULT ''",
		ColCSeq: "INT NOT NULL DEFAULT 1", ColFlags: "INT NOT NULL DEFAULT 0",
		ColCFlags: "INT NOT NULL DEFAULT 0", ColUserAgent: "VARCHAR(255) NOT NULL DEFAULT ''",
		ColSocket: "VARCHAR(64) DEFAULT NULL", ColMethods: "INT DEFAULT NULL",
		ColLastModified: "DATETIME NOT NULL", ColRUID: "VARCHAR(64) NOT NULL DEFAULT ''",
		ColInstance: "VARCHAR(255) DEFAULT NULL", ColRegID: "INT NOT NULL DEFAULT 0",
	}
	cols := Columns(true)
	defs := make([]string, 0, len(cols)+1)
	for _, col := range cols {
		q, err := d.Quote(col)
		if err != nil {
			return "", err
		}
		defs = append(defs, q+" "+types[col])
	}
	keyCols := []string{ColUsername, ColDomain, ColContact, ColCallID}
	quoted := make([]string, len(keyCols))
	for i, col := range keyCols {
		quoted[i], _ = d.Quote(col)
	}
	defs = append(defs, "UNIQUE ("+strings.Join(quoted, ", ")+")")
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", t, strings.Join(defs, ",\n\t")), nil
}
