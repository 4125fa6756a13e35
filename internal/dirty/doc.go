// Package dirty decides which functions need recompilation or
// reverification after an edit.
//
// A function is directly dirty when its hash differs from the snapshot and
// transitively dirty when it calls a dirty function, at any depth. Every
// other function can reuse its cached artifacts. The same plan serves
// incremental recompilation and incremental reverification.
package dirty
