package messaging

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// NewConversation is the caller-supplied description of a conversation to create.
type NewConversation struct {
	Type           ConversationType
	ParticipantIDs []string
	Name           string
	Description    string
	Metadata       map[string]string
	TeamID         string
	TeamName       string
	GroupType      GroupType
	InitialMessage string
}

// PrepareConversation validates in and builds the conversation creator would
// persist. It is the only place participant inclusion and default fields are
// decided; the messaging services and the direct-write path all call it.
//
// profiles holds whatever the caller managed to resolve; ids missing from it
// get PlaceholderName instead of failing the whole operation. The returned
// conversation has no ID yet.
func PrepareConversation(creator Profile, in NewConversation, profiles map[string]Profile, now time.Time) (Conversation, error) {
	const op = "messaging.PrepareConversation"
	if strings.TrimSpace(creator.ID) == "" {
		return Conversation{}, Fail(op, ErrNotAuthenticated, "")
	}
	ids := NormalizeIDs(in.ParticipantIDs)
	if len(ids) == 0 {
		return Conversation{}, Fail(op, ErrValidation, "at least one participant is required")
	}

	kind := in.Type
	if kind == "" {
		kind = TypeGroup
		if len(ids) == 1 && ids[0] != creator.ID {
			kind = TypeDirect
		}
	}
	if !kind.Valid() {
		return Conversation{}, Failf(op, ErrValidation, "unknown conversation type %q", in.Type)
	}

	now = now.UTC()
	participants := make([]Participant, 0, len(ids)+1)
	participants = append(participants, Participant{
		ID:             creator.ID,
		DisplayName:    displayName(creator),
		ProfilePicture: creator.ProfilePicture,
		Role:           RoleOwner,
		JoinedAt:       now,
	})
	for _, id := range ids {
		if id == creator.ID {
			continue
		}
		participants = append(participants, newParticipant(id, profiles, RoleMember, now))
	}

	conv := Conversation{
		Type:         kind,
		Participants: participants,
		Metadata:     MergeMetadata(nil, in.Metadata),
		CreatedBy:    creator.ID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if name := strings.TrimSpace(in.Name); name != "" {
		conv.Metadata = MergeMetadata(conv.Metadata, map[string]string{MetaName: name})
	}
	if desc := strings.TrimSpace(in.Description); desc != "" {
		conv.Metadata = MergeMetadata(conv.Metadata, map[string]string{MetaDescription: desc})
	}

	switch kind {
	case TypeDirect:
		if len(participants) != 2 {
			return Conversation{}, Fail(op, ErrValidation, "a direct conversation needs exactly one other participant")
		}
	case TypeTeam:
		conv.TeamID = strings.TrimSpace(in.TeamID)
		conv.TeamName = strings.TrimSpace(in.TeamName)
		conv.GroupType = in.GroupType
		if conv.TeamID == "" {
			return Conversation{}, Fail(op, ErrValidation, "team id is required for team conversations")
		}
		if !conv.GroupType.Valid() {
			return Conversation{}, Failf(op, ErrValidation, "unknown team group %q", in.GroupType)
		}
	}
	return conv, nil
}

// NormalizeIDs trims, drops empties and removes duplicates while keeping order.
func NormalizeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// ValidateParticipants checks the membership invariants of a stored conversation.
func ValidateParticipants(participants []Participant) error {
	const op = "messaging.ValidateParticipants"
	if len(participants) == 0 {
		return Fail(op, ErrValidation, "a conversation needs at least one participant")
	}
	seen := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		if p.ID == "" {
			return Fail(op, ErrValidation, "participant id is required")
		}
		if _, dup := seen[p.ID]; dup {
			return Failf(op, ErrValidation, "participant %s listed twice", p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	return nil
}

// RequireParticipant fails with ErrNotParticipant unless userID belongs to conv.
func RequireParticipant(op string, conv Conversation, userID string) (Participant, error) {
	if userID == "" {
		return Participant{}, Fail(op, ErrNotAuthenticated, "")
	}
	p, ok := conv.Participant(userID)
	if !ok {
		return Participant{}, Fail(op, ErrNotParticipant, "")
	}
	return p, nil
}

// AddParticipants appends ids that are not yet members. Only owners and admins
// may add people and direct conversations never grow. It returns the ids that
// were actually added.
func AddParticipants(conv *Conversation, actorID string, ids []string, profiles map[string]Profile, now time.Time) ([]string, error) {
	const op = "messaging.AddParticipants"
	actor, err := RequireParticipant(op, *conv, actorID)
	if err != nil {
		return nil, err
	}
	if !actor.Role.CanManage() {
		return nil, Fail(op, ErrForbidden, "only owners and admins can add participants")
	}
	ids = NormalizeIDs(ids)
	if len(ids) == 0 {
		return nil, Fail(op, ErrValidation, "at least one participant is required")
	}
	if conv.Type == TypeDirect {
		return nil, Fail(op, ErrValidation, "direct conversations cannot add participants")
	}
	now = now.UTC()
	var added []string
	for _, id := range ids {
		if conv.HasParticipant(id) {
			continue
		}
		conv.Participants = append(conv.Participants, newParticipant(id, profiles, RoleMember, now))
		added = append(added, id)
	}
	if len(added) > 0 {
		conv.UpdatedAt = now
	}
	return added, nil
}

// RemoveParticipant removes targetID from conv. Members may only remove
// themselves and the last participant can never leave. When the owner leaves
// the longest-standing admin, or failing that member, becomes owner.
func RemoveParticipant(conv *Conversation, actorID, targetID string, now time.Time) error {
	const op = "messaging.RemoveParticipant"
	actor, err := RequireParticipant(op, *conv, actorID)
	if err != nil {
		return err
	}
	target, ok := conv.Participant(targetID)
	if !ok {
		return Fail(op, ErrNotFound, "participant not found")
	}
	if actorID != targetID {
		if !actor.Role.CanManage() {
			return Fail(op, ErrForbidden, "members can only remove themselves")
		}
		if target.Role == RoleOwner && actor.Role != RoleOwner {
			return Fail(op, ErrForbidden, "only the owner can remove the owner")
		}
	}
	if len(conv.Participants) <= 1 {
		return Fail(op, ErrValidation, "cannot remove the last participant")
	}

	kept := conv.Participants[:0:0]
	for _, p := range conv.Participants {
		if p.ID != targetID {
			kept = append(kept, p)
		}
	}
	conv.Participants = kept
	if target.Role == RoleOwner {
		promoteOwner(conv)
	}
	conv.UpdatedAt = now.UTC()
	return nil
}

// SetParticipants reconciles conv with the desired id list using the add and
// remove rules, in that order.
func SetParticipants(conv *Conversation, actorID string, ids []string, profiles map[string]Profile, now time.Time) error {
	const op = "messaging.SetParticipants"
	want := NormalizeIDs(ids)
	if len(want) == 0 {
		return Fail(op, ErrValidation, "cannot remove the last participant")
	}
	wanted := make(map[string]struct{}, len(want))
	var missing []string
	for _, id := range want {
		wanted[id] = struct{}{}
		if !conv.HasParticipant(id) {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		if _, err := AddParticipants(conv, actorID, missing, profiles, now); err != nil {
			return err
		}
	}
	for _, id := range conv.ParticipantIDs() {
		if _, keep := wanted[id]; keep {
			continue
		}
		if err := RemoveParticipant(conv, actorID, id, now); err != nil {
			return err
		}
	}
	return nil
}

// MergeMetadata overlays patch onto base. An empty value deletes the key.
func MergeMetadata(base, patch map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if v == "" {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// ApplyLastMessage points the conversation summary at msg unless a newer
// message is already recorded.
func ApplyLastMessage(conv *Conversation, msg Message) bool {
	if cur := conv.LastMessage; cur != nil && cur.MessageID != msg.ID {
		if cur.Timestamp.After(msg.Timestamp) || (cur.Timestamp.Equal(msg.Timestamp) && cur.MessageID > msg.ID) {
			return false
		}
	}
	lm := NewLastMessage(msg)
	conv.LastMessage = &lm
	if msg.Timestamp.After(conv.UpdatedAt) {
		conv.UpdatedAt = msg.Timestamp
	}
	return true
}

// SnippetRunes bounds the content copied into a conversation summary.
const SnippetRunes = 500

// NewLastMessage summarizes msg for the conversation list.
func NewLastMessage(msg Message) LastMessage {
	content := msg.Content
	if utf8.RuneCountInString(content) > SnippetRunes {
		content = string([]rune(content)[:SnippetRunes])
	}
	return LastMessage{
		MessageID:  msg.ID,
		Content:    content,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Timestamp:  msg.Timestamp,
	}
}

// SortByActivity orders conversations most recently updated first.
func SortByActivity(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		if !convs[i].UpdatedAt.Equal(convs[j].UpdatedAt) {
			return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
		}
		return convs[i].ID > convs[j].ID
	})
}

func newParticipant(id string, profiles map[string]Profile, role Role, now time.Time) Participant {
	p := Participant{ID: id, DisplayName: PlaceholderName, Role: role, JoinedAt: now}
	if prof, ok := profiles[id]; ok {
		p.DisplayName = displayName(prof)
		p.ProfilePicture = prof.ProfilePicture
	}
	return p
}

func displayName(p Profile) string {
	if name := strings.TrimSpace(p.DisplayName); name != "" {
		return name
	}
	return PlaceholderName
}

func promoteOwner(conv *Conversation) {
	best := -1
	for i, p := range conv.Participants {
		if best == -1 {
			best = i
			continue
		}
		cur := conv.Participants[best]
		if p.Role == RoleAdmin && cur.Role != RoleAdmin {
			best = i
			continue
		}
		if p.Role == cur.Role && p.JoinedAt.Before(cur.JoinedAt) {
			best = i
		}
	}
	if best >= 0 {
		conv.Participants[best].Role = RoleOwner
	}
}

// TeamConversationID is the fixed id of a team audience chat, so concurrent
// first sends converge on one document.
func TeamConversationID(teamID string, group GroupType) string {
	return "team_" + teamID + "_" + string(group)
}

// PrepareTeamConversation builds the chat for one team audience. The sender
// owns it and every roster member joins as a member.
func PrepareTeamConversation(sender Profile, teamID, teamName string, group GroupType, roster []string, profiles map[string]Profile, now time.Time) (Conversation, error) {
	name := strings.TrimSpace(teamName)
	if name == "" {
		name = teamID
	}
	conv, err := PrepareConversation(sender, NewConversation{
		Type:           TypeTeam,
		ParticipantIDs: append(append([]string{}, roster...), sender.ID),
		Name:           name + " " + string(group),
		TeamID:         teamID,
		TeamName:       teamName,
		GroupType:      group,
	}, profiles, now)
	if err != nil {
		return Conversation{}, err
	}
	conv.ID = TeamConversationID(conv.TeamID, group)
	return conv, nil
}

// Join adds userID as a plain member. It reports false when userID already
// belongs to conv.
func Join(conv *Conversation, userID string, profiles map[string]Profile, now time.Time) bool {
	if userID == "" || conv.HasParticipant(userID) {
		return false
	}
	now = now.UTC()
	conv.Participants = append(conv.Participants, newParticipant(userID, profiles, RoleMember, now))
	conv.UpdatedAt = now
	return true
}
