package members

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jholhewres/memberclaw/pkg/memberclaw/copilot"
)

// ErrNotMember is returned by tools when the sender's phone number is not
// linked to any member.
var ErrNotMember = errors.New("this phone number is not linked to a membership")

// ToolRegistrar is satisfied by *copilot.ToolExecutor.
type ToolRegistrar interface {
	Register(name string, handler copilot.ToolHandlerFunc)
}

// ToolDefinition describes a tool for the assistant's function list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type tool struct {
	def     ToolDefinition
	handler copilot.ToolHandlerFunc
}

// RegisterTools adds every member tool to reg.
func (s *Store) RegisterTools(reg ToolRegistrar) {
	for _, t := range s.tools() {
		reg.Register(t.def.Name, t.handler)
	}
}

// ToolDefinitions returns the function schemas to configure on the
// assistant, in registration order.
func (s *Store) ToolDefinitions() []ToolDefinition {
	tools := s.tools()
	defs := make([]ToolDefinition, len(tools))
	for i, t := range tools {
		defs[i] = t.def
	}
	return defs
}

func (s *Store) tools() []tool {
	return []tool{
		{
			def: ToolDefinition{
				Name:        "get_member_profile",
				Description: "Returns the profile of the member writing: name, birth date, membership email and expiration date.",
				Parameters:  objectSchema(nil),
			},
			handler: s.memberTool(func(ctx context.Context, memberID string, _ map[string]any) (any, error) {
				return s.Member(ctx, memberID)
			}),
		},
		{
			def: ToolDefinition{
				Name:        "create_membership_email",
				Description: "Creates the member's membership email address. Members can have only one.",
				Parameters: objectSchema(map[string]any{
					"local_part": stringProp("Desired part before the @. Derived from the member's name when omitted."),
				}),
			},
			handler: s.memberTool(func(ctx context.Context, memberID string, args map[string]any) (any, error) {
				email, err := s.CreateMembershipEmail(ctx, memberID, copilot.StringArg(args, "local_part"))
				if err != nil {
					return nil, err
				}
				return map[string]string{"membership_email": email}, nil
			}),
		},
		{
			def: ToolDefinition{
				Name:        "reset_password",
				Description: "Sends a password reset link for the member's membership email account.",
				Parameters:  objectSchema(nil),
			},
			handler: s.memberTool(func(ctx context.Context, memberID string, _ map[string]any) (any, error) {
				email, expires, err := s.RequestPasswordReset(ctx, memberID)
				if err != nil {
					return nil, err
				}
				return map[string]string{
					"status":     "sent",
					"sent_to":    email,
					"expires_at": expires.Format(time.RFC3339),
				}, nil
			}),
		},
		{
			def: ToolDefinition{
				Name:        "list_addresses",
				Description: "Lists the member's postal addresses.",
				Parameters:  objectSchema(nil),
			},
			handler: s.memberTool(func(ctx context.Context, memberID string, _ map[string]any) (any, error) {
				addrs, err := s.Addresses(ctx, memberID)
				if err != nil {
					return nil, err
				}
				return map[string]any{"addresses": addrs}, nil
			}),
		},
		{
			def: ToolDefinition{
				Name:        "update_address",
				Description: "Updates an existing address (address_id given) or adds a new one. Omitted fields keep their value.",
				Parameters: objectSchema(map[string]any{
					"address_id":  stringProp("Address to update. Omit to add a new address."),
					"label":       stringProp("Short name such as home or work."),
					"street":      stringProp("Street and number."),
					"city":        stringProp("City."),
					"state":       stringProp("State or region."),
					"postal_code": stringProp("Postal code."),
					"country":     stringProp("Country."),
				}),
			},
			handler: s.memberTool(func(ctx context.Context, memberID string, args map[string]any) (any, error) {
				return s.SaveAddress(ctx, memberID, Address{
					ID:         copilot.StringArg(args, "address_id"),
					Label:      copilot.StringArg(args, "label"),
					Street:     copilot.StringArg(args, "street"),
					City:       copilot.StringArg(args, "city"),
					State:      copilot.StringArg(args, "state"),
					PostalCode: copilot.StringArg(args, "postal_code"),
					Country:    copilot.StringArg(args, "country"),
				})
			}),
		},
		{
			def: ToolDefinition{
				Name:        "list_legal_representatives",
				Description: "Lists the people authorized to act on the member's behalf.",
				Parameters:  objectSchema(nil),
			},
			handler: s.memberTool(func(ctx context.Context, memberID string, _ map[string]any) (any, error) {
				reps, err := s.LegalRepresentatives(ctx, memberID)
				if err != nil {
					return nil, err
				}
				return map[string]any{"legal_representatives": reps}, nil
			}),
		},
		{
			def: ToolDefinition{
				Name:        "add_legal_representative",
				Description: "Adds a legal representative for the member.",
				Parameters: objectSchema(map[string]any{
					"full_name":    stringProp("Representative's full name."),
					"relationship": stringProp("Relationship to the member."),
					"document_id":  stringProp("Identity document number."),
				}, "full_name"),
			},
			handler: s.memberTool(func(ctx context.Context, memberID string, args map[string]any) (any, error) {
				name, err := copilot.RequireString(args, "full_name")
				if err != nil {
					return nil, err
				}
				return s.AddLegalRepresentative(ctx, memberID, LegalRepresentative{
					FullName:     name,
					Relationship: copilot.StringArg(args, "relationship"),
					DocumentID:   copilot.StringArg(args, "document_id"),
				})
			}),
		},
		{
			def: ToolDefinition{
				Name:        "remove_legal_representative",
				Description: "Removes one of the member's legal representatives.",
				Parameters: objectSchema(map[string]any{
					"representative_id": stringProp("Id returned by list_legal_representatives."),
				}, "representative_id"),
			},
			handler: s.memberTool(func(ctx context.Context, memberID string, args map[string]any) (any, error) {
				repID, err := copilot.RequireString(args, "representative_id")
				if err != nil {
					return nil, err
				}
				if err := s.RemoveLegalRepresentative(ctx, memberID, repID); err != nil {
					return nil, err
				}
				return map[string]string{"status": "removed", "representative_id": repID}, nil
			}),
		},
		{
			def: ToolDefinition{
				Name:        "list_whatsapp_groups",
				Description: "Lists the community WhatsApp groups and whether the member already joined each.",
				Parameters:  objectSchema(nil),
			},
			handler: s.memberTool(func(ctx context.Context, memberID string, _ map[string]any) (any, error) {
				groups, err := s.Groups(ctx, memberID)
				if err != nil {
					return nil, err
				}
				return map[string]any{"groups": groups}, nil
			}),
		},
		{
			def: ToolDefinition{
				Name:        "join_whatsapp_group",
				Description: "Registers the member in a community group and returns its invite link.",
				Parameters: objectSchema(map[string]any{
					"group_id": stringProp("Id returned by list_whatsapp_groups."),
				}, "group_id"),
			},
			handler: s.memberTool(func(ctx context.Context, memberID string, args map[string]any) (any, error) {
				groupID, err := copilot.RequireString(args, "group_id")
				if err != nil {
					return nil, err
				}
				link, err := s.JoinGroup(ctx, memberID, groupID)
				if err != nil {
					return nil, err
				}
				return map[string]string{"group_id": groupID, "invite_link": link}, nil
			}),
		},
		{
			def: ToolDefinition{
				Name:        "submit_feedback",
				Description: "Records the user's rating (1 to 5) of the service with an optional comment.",
				Parameters: objectSchema(map[string]any{
					"rating":  map[string]any{"type": "integer", "minimum": 1, "maximum": 5},
					"comment": stringProp("Free-form comment."),
				}, "rating"),
			},
			// Feedback is accepted from non-members too.
			handler: func(ctx context.Context, id copilot.Identity, args map[string]any) (any, error) {
				rating, ok := copilot.Int64Arg(args, "rating")
				if !ok {
					return nil, fmt.Errorf("missing required argument %q", "rating")
				}
				feedbackID, err := s.SubmitFeedback(ctx, id.UserKey, id.MemberID, int(rating), copilot.StringArg(args, "comment"))
				if err != nil {
					return nil, err
				}
				return map[string]string{"status": "recorded", "feedback_id": feedbackID}, nil
			},
		},
	}
}

// memberTool wraps handlers that only make sense for a known member.
func (s *Store) memberTool(fn func(ctx context.Context, memberID string, args map[string]any) (any, error)) copilot.ToolHandlerFunc {
	return func(ctx context.Context, id copilot.Identity, args map[string]any) (any, error) {
		if id.MemberID == "" {
			return nil, ErrNotMember
		}
		return fn(ctx, id.MemberID, args)
	}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	if props == nil {
		props = map[string]any{}
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}
