package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"bossdb_rag_go_backend/cmd/api/config"

	"github.com/ledongthuc/pdf"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/jsonc"
	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"
)

const (
	SourceTypeWebpage         = "webpage"
	SourceTypeJSON            = "json"
	SourceTypeNotebook        = "notebook"
	SourceTypePDF             = "pdf"
	SourceTypeBibTeX          = "bibtex"
	SourceTypeGithubBlob      = "github_blob"
	SourceTypeGithubWiki      = "github_wiki"
	SourceTypeGithubDirectory = "github_directory"
	SourceTypeGithubRepo      = "github_repo"
	SourceTypeReadme          = "readme"
)

const maxDownloadBytes = 50 << 20

// repository files worth indexing when walking a tree or a whole repo
var githubFileExtensions = map[string]bool{".md": true, ".py": true, ".ipynb": true, ".json": true}

type DocumentMetadata struct {
	URL        string `json:"url"`
	FilePath   string `json:"file_path,omitempty"`
	SourceType string `json:"source_type"`
	Owner      string `json:"owner,omitempty"`
	Repo       string `json:"repo,omitempty"`
}

// Document is the text of one loaded source file or page.
type Document struct {
	Text     string
	Metadata DocumentMetadata
}

// Key identifies the document across index runs.
func (d Document) Key() string {
	m := d.Metadata
	if m.FilePath != "" && !strings.HasSuffix(m.URL, m.FilePath) {
		return m.URL + "#" + m.FilePath
	}
	return m.URL
}

// PDFProcessor turns a downloaded PDF into plain text.
type PDFProcessor interface {
	ExtractText(data []byte) (string, error)
}

type plainTextPDF struct{}

func (plainTextPDF) ExtractText(data []byte) (string, error) {
	return extractTextFromPDF(data)
}

// DataLoader fetches every configured URL and GitHub organisation.
type DataLoader struct {
	urls         []string
	orgs         []string
	githubToken  string
	client       *http.Client
	concurrency  int
	pdfProcessor PDFProcessor

	githubHost string
	githubAPI  string
	rawBase    string
}

func NewDataLoader(sources config.SourcesConfig, githubToken string, client *http.Client) *DataLoader {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &DataLoader{
		urls:         sources.URLs,
		orgs:         sources.GithubOrgs,
		githubToken:  githubToken,
		client:       client,
		concurrency:  8,
		pdfProcessor: plainTextPDF{},
		githubHost:   "github.com",
		githubAPI:    "https://api.github.com",
		rawBase:      "https://raw.githubusercontent.com",
	}
}

// LoadAll loads all sources concurrently. A failing source is logged and
// skipped; only cancellation of ctx fails the whole batch.
func (l *DataLoader) LoadAll(ctx context.Context) ([]Document, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)

	var mu sync.Mutex
	var documents []Document
	collect := func(source string, docs []Document, err error) {
		if err != nil {
			log.Error().Err(err).Str("source", source).Msg("Error processing source")
			return
		}
		mu.Lock()
		documents = append(documents, docs...)
		mu.Unlock()
		log.Info().Str("source", source).Int("documents", len(docs)).Msg("Source loaded")
	}

	for _, u := range l.urls {
		g.Go(func() error {
			docs, err := l.ProcessURL(gctx, u)
			collect(u, docs, err)
			return nil
		})
	}
	for _, org := range l.orgs {
		g.Go(func() error {
			docs, err := l.LoadOrgReadmes(gctx, org)
			collect("github org "+org, docs, err)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return documents, nil
}

// ProcessURL routes a URL to the loader for its kind.
func (l *DataLoader) ProcessURL(ctx context.Context, rawURL string) ([]Document, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}

	if u.Host == l.githubHost {
		return l.processGithubURL(ctx, u)
	}

	lower := strings.ToLower(u.Path)
	switch {
	case strings.HasSuffix(lower, ".json") || strings.Contains(strings.ToLower(rawURL), "api"):
		return l.loadFile(ctx, rawURL, DocumentMetadata{URL: rawURL, SourceType: SourceTypeJSON})
	case strings.HasSuffix(lower, ".ipynb"):
		return l.loadFile(ctx, rawURL, DocumentMetadata{URL: rawURL, SourceType: SourceTypeNotebook})
	case strings.HasSuffix(lower, ".pdf"):
		return l.loadFile(ctx, rawURL, DocumentMetadata{URL: rawURL, SourceType: SourceTypePDF})
	case strings.HasSuffix(lower, ".bib"):
		return l.loadFile(ctx, rawURL, DocumentMetadata{URL: rawURL, SourceType: SourceTypeBibTeX})
	}
	return l.processWebpage(ctx, rawURL, DocumentMetadata{URL: rawURL, SourceType: SourceTypeWebpage})
}

// loadFile downloads a non-HTML document and extracts its text.
func (l *DataLoader) loadFile(ctx context.Context, fileURL string, meta DocumentMetadata) ([]Document, error) {
	body, err := l.get(ctx, fileURL)
	if err != nil {
		return nil, err
	}

	kind := kindForSourceType(meta.SourceType)
	if kind == SourceKindText {
		kind = KindForPath(meta.FilePath)
	}

	var content string
	switch kind {
	case SourceKindPDF:
		content, err = l.pdfProcessor.ExtractText(body)
		if err != nil {
			return nil, fmt.Errorf("failed to extract text from PDF %s: %w", fileURL, err)
		}
	case SourceKindJSON, SourceKindNotebook:
		if !json.Valid(jsonc.ToJSON(bytes.TrimSpace(body))) {
			return nil, fmt.Errorf("invalid JSON from %s", fileURL)
		}
		content = string(body)
	default:
		content = string(body)
	}

	if strings.TrimSpace(content) == "" {
		return nil, nil
	}
	return []Document{{Text: content, Metadata: meta}}, nil
}

func (l *DataLoader) processWebpage(ctx context.Context, pageURL string, meta DocumentMetadata) ([]Document, error) {
	body, err := l.get(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	content, err := htmlToText(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse page %s: %w", pageURL, err)
	}
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}
	return []Document{{Text: content, Metadata: meta}}, nil
}

// processGithubURL handles blob, wiki, tree and bare repository URLs.
// Without a token the page is scraped like any other website.
func (l *DataLoader) processGithubURL(ctx context.Context, u *url.URL) ([]Document, error) {
	if l.githubToken == "" {
		log.Warn().Str("url", u.String()).Msg("GitHub token not provided, falling back to web scraping")
		return l.processWebpage(ctx, u.String(), DocumentMetadata{URL: u.String(), SourceType: SourceTypeWebpage})
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 {
		return l.processWebpage(ctx, u.String(), DocumentMetadata{URL: u.String(), SourceType: SourceTypeWebpage})
	}
	owner, repo := parts[0], parts[1]
	section := ""
	if len(parts) > 2 {
		section = parts[2]
	}

	switch {
	case section == "blob" && len(parts) > 4:
		return l.processGithubBlob(ctx, u.String(), owner, repo, parts[3], strings.Join(parts[4:], "/"))
	case section == "wiki":
		return l.processGithubWiki(ctx, u, owner, repo)
	case section == "tree" && len(parts) > 3:
		return l.processGithubContents(ctx, u.String(), owner, repo, parts[3], strings.Join(parts[4:], "/"), SourceTypeGithubDirectory)
	default:
		return l.processGithubContents(ctx, u.String(), owner, repo, "", "", SourceTypeGithubRepo)
	}
}

func (l *DataLoader) processGithubBlob(ctx context.Context, pageURL, owner, repo, branch, filePath string) ([]Document, error) {
	rawURL := fmt.Sprintf("%s/%s/%s/%s/%s", l.rawBase, owner, repo, branch, filePath)
	return l.loadFile(ctx, rawURL, DocumentMetadata{
		URL:        pageURL,
		FilePath:   filePath,
		SourceType: SourceTypeGithubBlob,
		Owner:      owner,
		Repo:       repo,
	})
}

func (l *DataLoader) processGithubWiki(ctx context.Context, u *url.URL, owner, repo string) ([]Document, error) {
	body, err := l.get(ctx, u.String())
	if err != nil {
		return nil, err
	}

	meta := DocumentMetadata{URL: u.String(), SourceType: SourceTypeGithubWiki, Owner: owner, Repo: repo}
	var docs []Document
	if content, err := htmlToText(body); err == nil && strings.TrimSpace(content) != "" {
		docs = append(docs, Document{Text: content, Metadata: meta})
	}

	for _, link := range wikiLinks(u, body) {
		pageDocs, err := l.processWebpage(ctx, link, DocumentMetadata{URL: link, SourceType: SourceTypeGithubWiki, Owner: owner, Repo: repo})
		if err != nil {
			log.Error().Err(err).Str("url", link).Msg("Error processing wiki page")
			continue
		}
		docs = append(docs, pageDocs...)
	}
	return docs, nil
}

// wikiLinks returns the distinct relative wiki page links of a wiki page.
func wikiLinks(base *url.URL, body []byte) []string {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	seen := map[string]bool{base.String(): true}
	var links []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				href := attr.Val
				if !strings.Contains(href, "/wiki/") || strings.HasPrefix(href, "http") ||
					strings.HasSuffix(href, "/_history") || strings.HasSuffix(href, "/_edit") {
					continue
				}
				ref, err := url.Parse(href)
				if err != nil {
					continue
				}
				abs := base.ResolveReference(ref)
				abs.Fragment = ""
				if !seen[abs.String()] {
					seen[abs.String()] = true
					links = append(links, abs.String())
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links
}

type githubContent struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Type        string `json:"type"`
	DownloadURL string `json:"download_url"`
}

const maxGithubDepth = 5

// processGithubContents walks a directory (or the whole repo when dir is
// empty) through the contents API and loads every indexable file.
func (l *DataLoader) processGithubContents(ctx context.Context, pageURL, owner, repo, ref, dir, sourceType string) ([]Document, error) {
	var docs []Document
	var walk func(dir string, depth int) error
	walk = func(dir string, depth int) error {
		entries, err := l.listGithubDir(ctx, owner, repo, ref, dir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			switch e.Type {
			case "dir":
				if depth < maxGithubDepth {
					if err := walk(e.Path, depth+1); err != nil {
						log.Error().Err(err).Str("path", e.Path).Msg("Error listing GitHub directory")
					}
				}
			case "file":
				if !githubFileExtensions[strings.ToLower(path.Ext(e.Name))] || e.DownloadURL == "" {
					continue
				}
				fileDocs, err := l.loadFile(ctx, e.DownloadURL, DocumentMetadata{
					URL:        pageURL,
					FilePath:   e.Path,
					SourceType: sourceType,
					Owner:      owner,
					Repo:       repo,
				})
				if err != nil {
					log.Error().Err(err).Str("path", e.Path).Msg("Error loading GitHub file")
					continue
				}
				docs = append(docs, fileDocs...)
			}
		}
		return nil
	}

	if err := walk(dir, 0); err != nil {
		return nil, err
	}
	return docs, nil
}

func (l *DataLoader) listGithubDir(ctx context.Context, owner, repo, ref, dir string) ([]githubContent, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/contents/%s", l.githubAPI, owner, repo, dir)
	if ref != "" {
		endpoint += "?ref=" + url.QueryEscape(ref)
	}
	body, err := l.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	var entries []githubContent
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("unexpected contents listing for %s/%s/%s: %w", owner, repo, dir, err)
	}
	return entries, nil
}

type githubRepo struct {
	Name          string `json:"name"`
	HTMLURL       string `json:"html_url"`
	DefaultBranch string `json:"default_branch"`
}

type githubReadme struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

// LoadOrgReadmes loads the README of every public repository of org.
func (l *DataLoader) LoadOrgReadmes(ctx context.Context, org string) ([]Document, error) {
	if l.githubToken == "" {
		return nil, fmt.Errorf("GitHub token required to fetch organization repositories")
	}

	body, err := l.get(ctx, fmt.Sprintf("%s/users/%s/repos?per_page=100", l.githubAPI, url.PathEscape(org)))
	if err != nil {
		return nil, err
	}
	var repos []githubRepo
	if err := json.Unmarshal(body, &repos); err != nil {
		return nil, fmt.Errorf("unexpected repository listing for %s: %w", org, err)
	}

	var docs []Document
	for _, repo := range repos {
		content, readmePath, err := l.fetchReadme(ctx, org, repo.Name)
		if err != nil {
			log.Error().Err(err).Str("repo", repo.Name).Msg("Error fetching README")
			continue
		}
		branch := repo.DefaultBranch
		if branch == "" {
			branch = "master"
		}
		docs = append(docs, Document{
			Text: content,
			Metadata: DocumentMetadata{
				URL:        fmt.Sprintf("https://github.com/%s/%s/blob/%s/%s", org, repo.Name, branch, readmePath),
				FilePath:   readmePath,
				SourceType: SourceTypeReadme,
				Owner:      org,
				Repo:       repo.Name,
			},
		})
	}
	return docs, nil
}

func (l *DataLoader) fetchReadme(ctx context.Context, owner, repo string) (string, string, error) {
	body, err := l.get(ctx, fmt.Sprintf("%s/repos/%s/%s/readme", l.githubAPI, owner, repo))
	if err != nil {
		return "", "", err
	}
	var readme githubReadme
	if err := json.Unmarshal(body, &readme); err != nil {
		return "", "", fmt.Errorf("unexpected readme payload: %w", err)
	}
	if readme.Encoding != "base64" {
		return readme.Content, readme.Path, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(readme.Content, "\n", ""))
	if err != nil {
		return "", "", fmt.Errorf("failed to decode readme: %w", err)
	}
	return string(decoded), readme.Path, nil
}

func (l *DataLoader) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if l.githubToken != "" && (strings.HasPrefix(target, l.githubAPI) || strings.HasPrefix(target, l.rawBase)) {
		req.Header.Set("Authorization", "Bearer "+l.githubToken)
		req.Header.Set("Accept", "application/vnd.github+json")
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d fetching %s", resp.StatusCode, target)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", target, err)
	}
	return body, nil
}

func extractTextFromPDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open PDF: %w", err)
	}

	var content strings.Builder
	for pageIndex := 1; pageIndex <= r.NumPage(); pageIndex++ {
		p := r.Page(pageIndex)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		content.WriteString(text)
		content.WriteString("\n\n")
	}

	if content.Len() == 0 {
		return "", fmt.Errorf("no text content extracted from PDF")
	}
	return content.String(), nil
}

var skippedHTMLElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "nav": true,
	"header": true, "footer": true, "svg": true, "head": true,
}

var blockHTMLElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "section": true, "article": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true, "pre": true, "table": true,
}

// htmlToText keeps the visible text of a page with paragraph breaks.
func htmlToText(body []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			if skippedHTMLElements[n.Data] {
				return
			}
		case html.TextNode:
			if t := strings.Join(strings.Fields(n.Data), " "); t != "" {
				if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
					b.WriteString(" ")
				}
				b.WriteString(t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockHTMLElements[n.Data] && b.Len() > 0 && !strings.HasSuffix(b.String(), "\n\n") {
			b.WriteString("\n\n")
		}
	}
	walk(doc)
	return strings.TrimSpace(b.String()), nil
}
