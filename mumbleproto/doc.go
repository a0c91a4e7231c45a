// Package mumbleproto contains the Mumble 1.3 control-channel messages
// and their Protocol Buffers wire coding.
//
// The messages are hand-coded against the protobuf wire format using
// google.golang.org/protobuf/encoding/protowire rather than generated
// code, which keeps the schema surface to exactly the fields this client
// reads and writes. Optional scalar fields are pointers so that presence
// survives the round trip; roster merging depends on it.
package mumbleproto
