// Package render turns the session view-model into HTML fragments and patch operations.
package render

import (
	"bytes"
	"fmt"

	"github.com/MarcoPoloResearchLab/fello/internal/feed"
	"github.com/MarcoPoloResearchLab/fello/internal/presence"
)

// Patch operation kinds understood by the browser shell.
const (
	OpFill       = "fill"
	OpReplace    = "replace"
	OpInsertHead = "insert-head"
	OpShow       = "show"
	OpHide       = "hide"
)

// Element ids targeted by patches.
const (
	TargetMe            = "me"
	TargetViewerCount   = "viewer-count"
	TargetOnlineFriends = "online-friends"
	TargetFriendsList   = "friends-list"
	TargetFeed          = "feed"
	TargetHomePage      = "page-home"
	TargetFriendsPage   = "page-friends"
	TargetComposer      = "composer"
	TargetFriendsMenu   = "menu-friends"
)

// Page names.
const (
	PageHome    = "home"
	PageFriends = "friends"
)

// Op is one DOM patch.
type Op struct {
	Op     string `json:"op"`
	Target string `json:"target"`
	HTML   string `json:"html,omitempty"`
}

// MeBlock summarizes the signed-in user.
type MeBlock struct {
	Username        string
	ProfileImageURL string
	MessageCount    int
	FriendCount     int
}

// FriendRow is one entry of the friends page.
type FriendRow struct {
	ID              string
	Username        string
	ProfileImageURL string
	Online          bool
}

// View is the complete state rendered for one session.
type View struct {
	Page          string
	SignedIn      bool
	Me            MeBlock
	ViewerCount   int
	OnlineFriends []presence.OnlineFriend
	Friends       []FriendRow
	Feed          []feed.Item
}

type region struct {
	target   string
	template string
}

var regions = []region{
	{target: TargetMe, template: "me"},
	{target: TargetViewerCount, template: "viewers"},
	{target: TargetOnlineFriends, template: "online"},
	{target: TargetFriendsList, template: "friends"},
}

// Renderer remembers what a browser already shows and emits only the difference.
type Renderer struct {
	regions    map[string]string
	visible    map[string]bool
	feedOrder  []string
	feedHTML   map[string]string
	feedFilled bool
}

// NewRenderer constructs a renderer for a fresh browser document.
func NewRenderer() *Renderer {
	renderer := &Renderer{}
	renderer.Reset()
	return renderer
}

// Reset forgets the browser state so the next Diff repaints everything.
func (r *Renderer) Reset() {
	r.regions = make(map[string]string)
	r.visible = make(map[string]bool)
	r.feedOrder = nil
	r.feedHTML = make(map[string]string)
	r.feedFilled = false
}

// Diff renders view and returns the operations that bring the browser up to date.
func (r *Renderer) Diff(view View) ([]Op, error) {
	var ops []Op
	ops = append(ops, r.visibility(view)...)

	for _, region := range regions {
		html, err := execute(region.template, view)
		if err != nil {
			return nil, err
		}
		if previous, ok := r.regions[region.target]; ok && previous == html {
			continue
		}
		r.regions[region.target] = html
		ops = append(ops, Op{Op: OpFill, Target: region.target, HTML: html})
	}

	feedOps, err := r.diffFeed(view.Feed)
	if err != nil {
		return nil, err
	}
	return append(ops, feedOps...), nil
}

func (r *Renderer) visibility(view View) []Op {
	wanted := map[string]bool{
		TargetHomePage:    view.Page != PageFriends,
		TargetFriendsPage: view.Page == PageFriends,
		TargetComposer:    view.SignedIn,
		TargetFriendsMenu: view.SignedIn,
	}
	var ops []Op
	for _, target := range []string{TargetHomePage, TargetFriendsPage, TargetComposer, TargetFriendsMenu} {
		show := wanted[target]
		if previous, ok := r.visible[target]; ok && previous == show {
			continue
		}
		r.visible[target] = show
		kind := OpHide
		if show {
			kind = OpShow
		}
		ops = append(ops, Op{Op: kind, Target: target})
	}
	return ops
}

// diffFeed relies on the feed inserting unknown items at the head, so unsent items form a prefix.
func (r *Renderer) diffFeed(items []feed.Item) ([]Op, error) {
	rendered := make(map[string]string, len(items))
	order := make([]string, 0, len(items))
	for _, item := range items {
		html, err := execute("message", item)
		if err != nil {
			return nil, err
		}
		rendered[item.ID] = html
		order = append(order, item.ID)
	}

	if !r.feedFilled || !r.extends(order) {
		r.feedFilled = true
		r.feedOrder = order
		r.feedHTML = rendered
		var buffer bytes.Buffer
		for _, id := range order {
			buffer.WriteString(rendered[id])
		}
		return []Op{{Op: OpFill, Target: TargetFeed, HTML: buffer.String()}}, nil
	}

	var ops []Op
	fresh := len(order) - len(r.feedOrder)
	for index := fresh - 1; index >= 0; index-- {
		id := order[index]
		ops = append(ops, Op{Op: OpInsertHead, Target: TargetFeed, HTML: rendered[id]})
	}
	for _, id := range order[fresh:] {
		if r.feedHTML[id] != rendered[id] {
			ops = append(ops, Op{Op: OpReplace, Target: messageTarget(id), HTML: rendered[id]})
		}
	}
	r.feedOrder = order
	r.feedHTML = rendered
	return ops, nil
}

// extends reports whether order is the previously sent order with new ids prepended.
func (r *Renderer) extends(order []string) bool {
	fresh := len(order) - len(r.feedOrder)
	if fresh < 0 {
		return false
	}
	for index, id := range r.feedOrder {
		if order[fresh+index] != id {
			return false
		}
	}
	return true
}

func messageTarget(id string) string {
	return "message-" + id
}

func execute(name string, data any) (string, error) {
	var buffer bytes.Buffer
	if err := fragments.ExecuteTemplate(&buffer, name, data); err != nil {
		return "", fmt.Errorf("render: %s: %w", name, err)
	}
	return buffer.String(), nil
}
