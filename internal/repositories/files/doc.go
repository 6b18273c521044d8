// Package files persists FileRecord metadata in the local database.
//
// Rows are append-only: the only mutation is flipping uploaded from 0 to 1.
// Display order is insertion order (the seq column).
//
//	repo := files.NewSQLiteRepository(db)
//	_ = repo.Insert(ctx, rec)
//	all, _ := repo.GetAll(ctx)
//	pend, _ := repo.GetAllPendingUpload(ctx)
//	_ = repo.MarkUploaded(ctx, rec.ID)
package files
