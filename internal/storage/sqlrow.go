package storage

import (
	"database/sql"
	"fmt"
	"time"

	"hundredbot/internal/challenge"
	"hundredbot/internal/timewindow"
)

// participantColumns is shared by the SQL backends; participantArgs and
// scanParticipant follow the same order.
const participantColumns = `id, display_name, username, window_start, window_end, reminder_count,
	day, reps_today, last_progress_date, completed_at_ms, lives, registered_date,
	eliminated, pending_failure_notice, updated_at_ms`

const dayLogColumns = `user_id, date, day, reps, completed, lives, eliminated, source, settled_at_ms`

// rowScanner matches *sql.Row, *sql.Rows, pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func participantArgs(st challenge.State) []any {
	var completed sql.NullInt64
	if ms := unixMilliPtr(st.CompletedAt); ms != nil {
		completed = sql.NullInt64{Int64: *ms, Valid: true}
	}
	return []any{
		int64(st.ID), st.DisplayName, st.Username,
		st.Window.Start.String(), st.Window.End.String(), st.ReminderCount,
		st.Day, st.RepsToday, st.LastProgressDate.String(), completed, st.Lives,
		st.RegisteredDate.String(), st.Eliminated, st.PendingFailureNotice,
		st.UpdatedAt.UnixMilli(),
	}
}

func scanParticipant(r rowScanner) (challenge.State, error) {
	var (
		st                   challenge.State
		id                   int64
		wStart, wEnd         string
		lastDate, registered string
		completed            sql.NullInt64
		updated              int64
	)
	err := r.Scan(&id, &st.DisplayName, &st.Username, &wStart, &wEnd, &st.ReminderCount,
		&st.Day, &st.RepsToday, &lastDate, &completed, &st.Lives, &registered,
		&st.Eliminated, &st.PendingFailureNotice, &updated)
	if err != nil {
		return challenge.State{}, err
	}
	st.ID = challenge.UserID(id)
	if st.Window.Start, err = timewindow.ParseTimeOfDay(wStart); err != nil {
		return challenge.State{}, fmt.Errorf("participant %d window_start: %w", id, err)
	}
	if st.Window.End, err = timewindow.ParseTimeOfDay(wEnd); err != nil {
		return challenge.State{}, fmt.Errorf("participant %d window_end: %w", id, err)
	}
	if st.LastProgressDate, err = timewindow.ParseDate(lastDate); err != nil {
		return challenge.State{}, fmt.Errorf("participant %d last_progress_date: %w", id, err)
	}
	if st.RegisteredDate, err = timewindow.ParseDate(registered); err != nil {
		return challenge.State{}, fmt.Errorf("participant %d registered_date: %w", id, err)
	}
	if completed.Valid {
		st.CompletedAt = timeFromMilli(&completed.Int64)
	}
	st.UpdatedAt = time.UnixMilli(updated)
	return st, nil
}

func dayLogArgs(rec DayRecord) []any {
	return []any{
		int64(rec.UserID), rec.Date.String(), rec.Day, rec.Reps, rec.Completed,
		rec.Lives, rec.Eliminated, rec.Source, rec.SettledAt.UnixMilli(),
	}
}

func scanDayRecord(r rowScanner) (DayRecord, error) {
	var (
		rec     DayRecord
		id      int64
		date    string
		settled int64
	)
	if err := r.Scan(&id, &date, &rec.Day, &rec.Reps, &rec.Completed, &rec.Lives,
		&rec.Eliminated, &rec.Source, &settled); err != nil {
		return DayRecord{}, err
	}
	d, err := timewindow.ParseDate(date)
	if err != nil {
		return DayRecord{}, fmt.Errorf("day log %d: %w", id, err)
	}
	rec.UserID = challenge.UserID(id)
	rec.Date = d
	rec.SettledAt = time.UnixMilli(settled)
	return rec, nil
}
