// Package authz decides whether a participant's command may be admitted
// against the current session state.
//
// Validation is pure: it reads state and returns a command.Decision. An
// accepted decision carries the normalized change (server-assigned ids,
// grid-snapped positions, trimmed chat) that becomes the delta payload, so
// every client and every replay sees exactly the admitted values.
//
// Ownership rules:
//   - observers may only chat,
//   - players may change entities they own or that nobody owns,
//   - the session owner may change anything and alone runs the scene and
//     combat lifecycle.
package authz
