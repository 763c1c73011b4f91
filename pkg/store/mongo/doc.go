// Package mongostore persists queue records in a MongoDB collection.
//
// This is the backend where the store contract maps one to one onto native
// operations: FindOneAndUpdate with a sort and ReturnDocument(After) is the
// whole claim path, and the server enforces the rest. Lease token uniqueness
// rides on a sparse unique index; completing a message clears its token so
// the index only ever covers active leases.
package mongostore
