// Package discovery groups the image files under a directory into series and
// resolves each configured role to exactly one of them.
package discovery

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"flairstar/internal/models"
	"flairstar/pkg/errors"
	"flairstar/pkg/logging"
	"flairstar/pkg/metadata"
	"flairstar/pkg/rules"
)

// DefaultInclude selects files by extension when no patterns are configured.
var DefaultInclude = []string{"**/*.dcm", "**/*.DCM", "**/*.ima", "**/*.IMA"}

// MetadataReader is the per-file metadata capability discovery needs.
type MetadataReader interface {
	// ReadRecord parses the metadata of one file
	ReadRecord(path string) (*metadata.Record, error)

	// LookupSeriesUID finds the series identifier without a full parse
	LookupSeriesUID(path string) (string, error)

	// IsDICOM sniffs file content
	IsDICOM(path string) bool
}

// Options configures a Scanner.
type Options struct {
	// Reader reads per-file metadata
	Reader MetadataReader

	// Include holds doublestar patterns, relative to the root, that select
	// candidate files. DefaultInclude is used when empty.
	Include []string

	// Sniff also accepts files outside Include whose content is DICOM
	Sniff bool

	// Workers bounds concurrent metadata reads; zero means GOMAXPROCS
	Workers int
}

// Candidate records how one series fared against one role.
type Candidate struct {
	Role       string `json:"role"`
	Identifier string `json:"identifier"`
	Matched    bool   `json:"matched"`
	Reason     string `json:"reason,omitempty"`
}

// SkippedFile is a file that could not be attributed to any series.
type SkippedFile struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Result is the outcome of one discovery pass.
type Result struct {
	// Assignment maps every role to its resolved series
	Assignment models.RoleAssignment

	// Groups are all series found, sorted by identifier
	Groups []models.SeriesGroup

	// Candidates lists every (role, series) evaluation
	Candidates []Candidate

	// Skipped lists files that were ignored and why
	Skipped []SkippedFile
}

// Scanner runs discovery passes.
type Scanner struct {
	opts   Options
	logger zerolog.Logger
}

// NewScanner creates a scanner with the given options.
func NewScanner(opts Options) *Scanner {
	if len(opts.Include) == 0 {
		opts.Include = DefaultInclude
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	return &Scanner{
		opts:   opts,
		logger: logging.GetLogger("discovery"),
	}
}

// fileScan is the per-file outcome of the parallel read phase.
type fileScan struct {
	rel        string
	identifier string
	record     *metadata.Record
	skip       string
}

// group accumulates the files of one series during reduction.
type group struct {
	models.SeriesGroup
	representative *metadata.Record
}

// Discover scans root and resolves every role in roles to one series.
//
// Rule sets are validated before the scan starts. Unreadable files are
// recorded in Result.Skipped and never abort the scan. When any role has no
// matching series the call fails with MATCH_FAILURE and returns no result.
func (s *Scanner) Discover(ctx context.Context, root string, roles map[string]rules.RuleSet) (*Result, error) {
	done := logging.LogOperationStart(s.logger, "discover")
	defer done()

	if err := rules.ValidateRoles(roles); err != nil {
		return nil, err
	}
	if s.opts.Reader == nil {
		return nil, errors.New(errors.ErrConfigValid, "discovery needs a metadata reader")
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrIO, "cannot read root %s", root)
	}
	if !info.IsDir() {
		return nil, errors.Newf(errors.ErrIO, "root %s is not a directory", root)
	}

	// Step 1: enumerate candidate files
	files, err := s.enumerate(ctx, root)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("root", root).Int("files", len(files)).Msg("Scanning for series")

	// Step 2: read metadata and resolve identifiers in parallel
	scans, err := s.readAll(ctx, root, files)
	if err != nil {
		return nil, err
	}

	// Step 3: group by identifier in path order
	result := &Result{Assignment: make(models.RoleAssignment)}
	groups := s.group(scans, result)
	for _, g := range groups {
		result.Groups = append(result.Groups, g.SeriesGroup)
	}
	s.logger.Info().Int("series", len(groups)).Int("skipped", len(result.Skipped)).Msg("Grouped files into series")

	// Steps 4 to 6: evaluate and resolve every role
	names := make([]string, 0, len(roles))
	for role := range roles {
		names = append(names, role)
	}
	sort.Strings(names)

	var unmatched []string
	for _, role := range names {
		matches := s.evaluate(role, roles[role], groups, result)
		if len(matches) == 0 {
			if literal, ok := roles[role].IdentifierLiteral(); ok {
				if g, found := s.directoryFallback(root, literal, files); found {
					matches = append(matches, g)
					result.Candidates = append(result.Candidates, Candidate{
						Role:       role,
						Identifier: g.Identifier,
						Matched:    true,
						Reason:     "directory name contains identifier",
					})
				}
			}
		}
		if len(matches) == 0 {
			s.logger.Error().Str("role", role).Msg("No series found matching role")
			unmatched = append(unmatched, role)
			continue
		}
		result.Assignment[role] = s.resolve(role, matches)
	}

	if len(unmatched) > 0 {
		return nil, errors.Newf(errors.ErrMatchFailure, "no series matched role(s) %s", strings.Join(unmatched, ", ")).
			WithDetail("roles", unmatched).
			WithDetail("series", len(groups))
	}

	s.warnSharedSeries(names, result.Assignment)
	for _, role := range names {
		g := result.Assignment[role]
		s.logger.Info().Str("role", role).Str("series", g.Identifier).Str("description", g.Description).
			Int("files", len(g.Files)).Msg("Resolved role")
	}
	return result, nil
}

// enumerate returns the slash-separated relative paths of candidate files in
// lexical order.
func (s *Scanner) enumerate(ctx context.Context, root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			s.logger.Warn().Str("path", p).Err(err).Msg("Skipping unreadable entry")
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if s.included(rel) || (s.opts.Sniff && s.opts.Reader.IsDICOM(p)) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrIO, "walk %s", root)
	}
	sort.Strings(files)
	return files, nil
}

func (s *Scanner) included(rel string) bool {
	for _, pattern := range s.opts.Include {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// readAll reads every file with bounded parallelism. Results keep the input
// order so the reduction that follows is deterministic.
func (s *Scanner) readAll(ctx context.Context, root string, files []string) ([]fileScan, error) {
	scans := make([]fileScan, len(files))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for i, rel := range files {
		i, rel := i, rel
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			scans[i] = s.readOne(root, rel)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, errors.ErrScan, "scan interrupted")
	}
	return scans, nil
}

// readOne applies the identifier fallback chain: the record tag, then a raw
// element lookup, then a UID-like token in the path.
func (s *Scanner) readOne(root, rel string) fileScan {
	abs := filepath.Join(root, filepath.FromSlash(rel))
	scan := fileScan{rel: rel}

	rec, readErr := s.opts.Reader.ReadRecord(abs)
	if readErr == nil {
		scan.record = rec
		if id, ok := identifierFromRecord(rec); ok {
			scan.identifier = id
			return scan
		}
	}
	if id, err := s.opts.Reader.LookupSeriesUID(abs); err == nil && id != "" {
		scan.identifier = id
		return scan
	}
	if id, ok := identifierFromPath(rel); ok {
		scan.identifier = id
		return scan
	}

	scan.skip = "no series identifier"
	if readErr != nil {
		scan.skip = "unreadable: " + readErr.Error()
	}
	return scan
}

// group folds the scans into series. The representative record of a series is
// the first file, in path order, that parsed.
func (s *Scanner) group(scans []fileScan, result *Result) []*group {
	byID := make(map[string]*group)
	for _, scan := range scans {
		if scan.skip != "" {
			s.logger.Warn().Str("path", scan.rel).Str("reason", scan.skip).Msg("Skipping file")
			result.Skipped = append(result.Skipped, SkippedFile{Path: scan.rel, Reason: scan.skip})
			continue
		}
		g, ok := byID[scan.identifier]
		if !ok {
			g = &group{SeriesGroup: models.SeriesGroup{Identifier: scan.identifier}}
			byID[scan.identifier] = g
		}
		g.Files = append(g.Files, scan.rel)
		if g.representative == nil && scan.record != nil {
			g.representative = scan.record
		}
	}

	groups := make([]*group, 0, len(byID))
	for _, g := range byID {
		g.Description = "Unknown"
		if desc, ok := g.representative.TryGet("SeriesDescription"); ok && desc != "" {
			g.Description = desc
		}
		g.Timestamp = Timestamp(g.representative)
		if g.representative == nil {
			g.representative = metadata.New()
		}
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Identifier < groups[j].Identifier })
	return groups
}

// evaluate returns the series matching set. The "SeriesInstanceUID equals"
// shortcut compares identifiers directly.
func (s *Scanner) evaluate(role string, set rules.RuleSet, groups []*group, result *Result) []models.SeriesGroup {
	literal, shortcut := set.IdentifierLiteral()

	var matches []models.SeriesGroup
	for _, g := range groups {
		var ok bool
		var reason string
		if shortcut {
			ok = g.Identifier == literal
			if !ok {
				reason = "identifier differs"
			}
		} else {
			ok, reason = rules.Match(g.representative, set)
		}
		result.Candidates = append(result.Candidates, Candidate{Role: role, Identifier: g.Identifier, Matched: ok, Reason: reason})
		if ok {
			matches = append(matches, g.SeriesGroup)
		} else {
			s.logger.Debug().Str("role", role).Str("series", g.Identifier).Str("reason", reason).Msg("Series did not match")
		}
	}
	return matches
}

// resolve picks the latest series. Equal timestamps fall back to the greatest
// identifier so repeated runs agree.
func (s *Scanner) resolve(role string, matches []models.SeriesGroup) models.SeriesGroup {
	if len(matches) == 1 {
		return matches[0]
	}

	s.logger.Warn().Str("role", role).Int("matches", len(matches)).Msg("Multiple series found matching role")
	best := matches[0]
	for _, m := range matches {
		s.logger.Warn().Str("role", role).Str("series", m.Identifier).Str("description", m.Description).
			Time("timestamp", m.Timestamp).Msg("Candidate series")
		if later(m, best) {
			best = m
		}
	}
	s.logger.Info().Str("role", role).Str("series", best.Identifier).Time("timestamp", best.Timestamp).Msg("Selected latest series")
	return best
}

func later(a, b models.SeriesGroup) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.Identifier > b.Identifier
}

// directoryFallback synthesizes a series from the first directory, in lexical
// order, whose name contains literal. Every candidate file below it belongs to
// the series.
func (s *Scanner) directoryFallback(root, literal string, files []string) (models.SeriesGroup, bool) {
	var dirs []string
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() || p == root {
			return nil
		}
		if strings.Contains(d.Name(), literal) {
			rel, relErr := filepath.Rel(root, p)
			if relErr == nil {
				dirs = append(dirs, filepath.ToSlash(rel))
			}
		}
		return nil
	})
	sort.Strings(dirs)

	for _, dir := range dirs {
		var members []string
		for _, f := range files {
			if strings.HasPrefix(f, dir+"/") {
				members = append(members, f)
			}
		}
		if len(members) == 0 {
			continue
		}
		s.logger.Warn().Str("identifier", literal).Str("directory", dir).Int("files", len(members)).
			Msg("Series resolved from directory name")
		return models.SeriesGroup{
			Identifier:    literal,
			Description:   path.Base(dir),
			Files:         members,
			FromDirectory: true,
		}, true
	}
	return models.SeriesGroup{}, false
}

func (s *Scanner) warnSharedSeries(roles []string, assignment models.RoleAssignment) {
	seen := make(map[string]string)
	for _, role := range roles {
		id := assignment[role].Identifier
		if other, dup := seen[id]; dup {
			s.logger.Warn().Str("series", id).Strs("roles", []string{other, role}).Msg("Series assigned to more than one role")
			continue
		}
		seen[id] = role
	}
}
