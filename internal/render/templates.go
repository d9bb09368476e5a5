package render

import "html/template"

const (
	meTemplate = `{{define "me"}}{{if .SignedIn}}<img class="me-avatar" src="{{.Me.ProfileImageURL}}" alt="">
<span class="me-name">{{.Me.Username}}</span>
<span class="me-stats"><span class="me-messages">{{.Me.MessageCount}}</span> messages, <span class="me-friends">{{.Me.FriendCount}}</span> friends</span>{{else}}<span class="me-anonymous">Sign in to post messages and make friends.</span>{{end}}{{end}}`

	viewersTemplate = `{{define "viewers"}}<span class="viewer-count">{{.ViewerCount}}</span> {{if eq .ViewerCount 1}}person{{else}}people{{end}} here now{{end}}`

	onlineTemplate = `{{define "online"}}{{if .OnlineFriends}}<ul class="online-friends">{{range .OnlineFriends}}<li class="online-friend" data-user="{{.ID}}"><span class="presence-dot"></span>{{if .Username}}{{.Username}}{{else}}{{.ID}}{{end}}</li>{{end}}</ul>{{else}}<p class="online-empty">No friends online</p>{{end}}{{end}}`

	friendsTemplate = `{{define "friends"}}{{if .Friends}}<ul class="friend-list">{{range .Friends}}<li class="friend" id="friend-{{.ID}}">
<span class="presence-dot{{if .Online}} presence-online{{end}}"></span>
<img class="friend-avatar" src="{{.ProfileImageURL}}" alt="">
<span class="friend-name">{{.Username}}</span>
<button class="unfriend" data-user="{{.ID}}">Unfriend</button>
</li>{{end}}</ul>{{else}}<p class="friends-empty">You have no friends yet.</p>{{end}}{{end}}`

	messageTemplate = `{{define "message"}}<li class="message{{if .Own}} message-me{{end}}" id="message-{{.ID}}">
<img class="message-avatar" src="{{.ProfileImageURL}}" alt="">
<div class="message-content">
<span class="message-author">{{.Username}}</span>{{if eq .FriendStatus "friend"}}<span class="friend-badge">Friend</span>{{else if eq .FriendStatus "add-friend"}}<button class="add-friend" data-user="{{.AuthorID}}">Add friend</button>{{end}}
<p class="message-body">{{.Body}}</p>{{with .Image}}{{if .Placeholder}}
<img class="message-image message-image-loading" src="{{.URL}}" alt="">{{else}}
<a class="message-image-link" href="{{.Link}}" target="_blank" rel="noopener"><img class="message-image" src="{{.URL}}"{{if .Width}} width="{{.Width}}" height="{{.Height}}"{{end}} alt=""></a>{{end}}{{end}}
</div>
</li>{{end}}`
)

var fragments = template.Must(template.New("fragments").Parse(
	meTemplate + viewersTemplate + onlineTemplate + friendsTemplate + messageTemplate,
))
